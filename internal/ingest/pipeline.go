// Package ingest turns provider events into deduplicated notifications. Both the
// webhook entry and the on-demand sync entry end in NormalizeAndStore.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/replay"
	"github.com/fuomag9/pulsebox/internal/secrets"
	"github.com/fuomag9/pulsebox/internal/store"
)

const (
	// MaxTextLength bounds notification titles and bodies, in runes
	MaxTextLength = 200

	defaultPageSize    = 15
	defaultConcurrency = 5

	// headerMessageNumber distinguishes Drive deliveries on one channel, which have no body
	headerMessageNumber = "X-Goog-Message-Number"
)

// Publisher receives notifications as they are created
type Publisher interface {
	PublishNotification(ctx context.Context, n *models.Notification)
}

// Options configure a Pipeline
type Options struct {
	PageSize    int
	Concurrency int
	// Guard drops redelivered webhooks; nil disables the check
	Guard     replay.Guard
	Publisher Publisher
}

// Pipeline ingests provider events for integrations
type Pipeline struct {
	registry    *providers.Registry
	tokens      store.TokenStore
	sink        store.NotificationSink
	cipher      secrets.Cipher
	guard       replay.Guard
	publisher   Publisher
	pageSize    int
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewPipeline creates the ingestion pipeline
func NewPipeline(registry *providers.Registry, tokens store.TokenStore, sink store.NotificationSink, cipher secrets.Cipher, opts Options, logger *zap.Logger) *Pipeline {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Pipeline{
		registry:    registry,
		tokens:      tokens,
		sink:        sink,
		cipher:      cipher,
		guard:       opts.Guard,
		publisher:   opts.Publisher,
		pageSize:    opts.PageSize,
		concurrency: opts.Concurrency,
		logger:      logger.Named("ingest"),
		now:         time.Now,
	}
}

// SyncResult reports one batch of normalized events
type SyncResult struct {
	Total    int      `json:"total"`
	New      int      `json:"new"`
	Existing int      `json:"existing"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

func (r *SyncResult) add(o SyncResult) {
	r.Total += o.Total
	r.New += o.New
	r.Existing += o.Existing
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
}

// WebhookResult reports what a webhook delivery produced
type WebhookResult struct {
	Challenge string `json:"challenge,omitempty"`
	// Duplicate is set when every batch of the delivery was seen recently and skipped
	Duplicate bool `json:"duplicate,omitempty"`
	// Unmatched counts batches whose routing key resolved to zero or several integrations
	Unmatched int `json:"unmatched"`
	SyncResult
}

// HandleWebhook verifies, parses and ingests one webhook delivery. Once the
// signature is accepted the delivery is acknowledged, so errors after that
// point are reported in the result rather than returned.
func (p *Pipeline) HandleWebhook(ctx context.Context, providerType models.ProviderType, body []byte, headers http.Header, query url.Values) (*WebhookResult, error) {
	adapter, err := p.registry.Get(providerType)
	if err != nil {
		return nil, err
	}

	if !adapter.VerifyInboundSignature(body, headers, query) {
		p.logger.Warn("webhook signature rejected", zap.String("provider", string(providerType)))
		return nil, apperr.New(apperr.KindUnauthorized, "invalid webhook signature")
	}

	result := &WebhookResult{SyncResult: SyncResult{Errors: []string{}}}

	delivery, err := adapter.ParseWebhook(body, headers, query)
	if err != nil {
		p.logger.Warn("unparseable webhook acknowledged",
			zap.String("provider", string(providerType)),
			zap.Error(err),
		)
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	if delivery.Challenge != "" {
		result.Challenge = delivery.Challenge
		return result, nil
	}
	if len(delivery.Batches) == 0 {
		return result, nil
	}

	replayed := 0
	for _, batch := range delivery.Batches {
		if p.redelivered(ctx, providerType, batch.RoutingKey, body, headers) {
			replayed++
			continue
		}

		in, ok := p.resolve(ctx, adapter, batch.RoutingKey)
		if !ok {
			result.Unmatched++
			continue
		}

		access, err := p.cipher.Decrypt(in.AccessCredential)
		if err != nil {
			p.logger.Error("failed to decrypt access credential", zap.String("integration_id", in.ID), zap.Error(err))
			result.Failed++
			result.Errors = append(result.Errors, "credential decryption failed")
			continue
		}

		refs := batch.Events
		if batch.ListRecent {
			refs, err = adapter.ListRecentEvents(ctx, access, p.pageSize)
			if err != nil {
				p.logger.Warn("listing after webhook failed",
					zap.String("integration_id", in.ID),
					zap.Error(err),
				)
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
				continue
			}
		}

		result.add(p.normalizeBatch(ctx, adapter, in, access, refs))
	}

	result.Duplicate = replayed == len(delivery.Batches)
	return result, nil
}

// redelivered reports whether this batch of the delivery was seen within the
// guard TTL. Drive bodies are empty and message numbers restart per channel,
// so the routing key is part of the delivery key.
func (p *Pipeline) redelivered(ctx context.Context, providerType models.ProviderType, routingKey string, body []byte, headers http.Header) bool {
	if p.guard == nil {
		return false
	}

	key := replay.Key(string(providerType), []byte(routingKey), body, []byte(headers.Get(headerMessageNumber)))
	first, err := p.guard.FirstSeen(ctx, key)
	if err != nil {
		p.logger.Warn("replay guard unavailable", zap.Error(err))
		return false
	}
	return !first
}

// resolve finds the single active integration a routing key belongs to
func (p *Pipeline) resolve(ctx context.Context, adapter providers.Adapter, routingKey string) (*models.Integration, bool) {
	log := p.logger.With(
		zap.String("provider", string(adapter.Type())),
		zap.String("routing_key", routingKey),
	)

	if routingKey == "" {
		log.Warn("webhook has no routing key")
		return nil, false
	}

	matches, err := p.tokens.FindActiveByMetadata(ctx, adapter.Type(), adapter.RoutingField(), routingKey)
	if err != nil {
		log.Error("integration lookup failed", zap.Error(err))
		return nil, false
	}

	switch len(matches) {
	case 1:
		return &matches[0], true
	case 0:
		log.Info("no integration matches webhook")
	default:
		log.Warn("several integrations match webhook", zap.Int("matches", len(matches)))
	}
	return nil, false
}

// Sync lists the owner's most recent provider events and ingests them
func (p *Pipeline) Sync(ctx context.Context, ownerID string, providerType models.ProviderType) (*SyncResult, error) {
	adapter, err := p.registry.Get(providerType)
	if err != nil {
		return nil, err
	}

	in, err := p.tokens.GetActive(ctx, ownerID, providerType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindIntegrationNotFound, "no active integration for "+providerType.Label())
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailed, "load integration", err)
	}

	access, err := p.cipher.Decrypt(in.AccessCredential)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decrypt access credential", err)
	}

	refs, err := adapter.ListRecentEvents(ctx, access, p.pageSize)
	if err != nil {
		return nil, asUpstream(err, "list recent events")
	}

	result := p.normalizeBatch(ctx, adapter, in, access, refs)

	p.logger.Info("sync finished",
		zap.String("integration_id", in.ID),
		zap.Int("total", result.Total),
		zap.Int("new", result.New),
		zap.Int("existing", result.Existing),
		zap.Int("failed", result.Failed),
	)
	return &result, nil
}

type itemResult struct {
	created bool
	err     error
}

// normalizeBatch normalizes refs on a bounded pool. Each ref writes only its own
// slot so one failure never affects another item.
func (p *Pipeline) normalizeBatch(ctx context.Context, adapter providers.Adapter, in *models.Integration, access string, refs []providers.EventRef) SyncResult {
	items := make([]itemResult, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			created, err := p.normalize(gctx, adapter, in, access, ref)
			items[i] = itemResult{created: created, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := SyncResult{Total: len(refs), Errors: []string{}}
	for i, item := range items {
		switch {
		case item.err != nil:
			result.Failed++
			result.Errors = append(result.Errors, refs[i].SourceID+": "+item.err.Error())
			p.logger.Warn("event ingestion failed",
				zap.String("integration_id", in.ID),
				zap.String("source_id", refs[i].SourceID),
				zap.Error(item.err),
			)
		case item.created:
			result.New++
		default:
			result.Existing++
		}
	}
	return result
}

// NormalizeAndStore ingests one event for an integration. created is false when
// the event was already stored.
func (p *Pipeline) NormalizeAndStore(ctx context.Context, in *models.Integration, ref providers.EventRef) (bool, error) {
	adapter, err := p.registry.Get(in.ProviderType)
	if err != nil {
		return false, err
	}

	access := ""
	if ref.Inline == nil {
		access, err = p.cipher.Decrypt(in.AccessCredential)
		if err != nil {
			return false, apperr.Wrap(apperr.KindInternal, "decrypt access credential", err)
		}
	}
	return p.normalize(ctx, adapter, in, access, ref)
}

func (p *Pipeline) normalize(ctx context.Context, adapter providers.Adapter, in *models.Integration, access string, ref providers.EventRef) (bool, error) {
	sourceID := ref.SourceID
	if sourceID == "" && ref.Inline != nil {
		sourceID = ref.Inline.SourceID
	}
	if sourceID == "" {
		return false, apperr.Validation("event has no source id")
	}

	// Dedup gate before any provider fetch
	exists, err := p.sink.Exists(ctx, in.OwnerID, sourceID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindPersistenceFailed, "check notification", err)
	}
	if exists {
		return false, nil
	}

	payload := ref.Inline
	if payload == nil {
		payload, err = adapter.FetchEvent(ctx, access, ref)
		if err != nil {
			return false, asUpstream(err, "fetch event")
		}
	}

	n := BuildNotification(in, sourceID, payload, p.now())

	created, err := p.sink.InsertIfAbsent(ctx, n)
	if err != nil {
		return false, apperr.Wrap(apperr.KindPersistenceFailed, "store notification", err)
	}
	if created && p.publisher != nil {
		p.publisher.PublishNotification(ctx, n)
	}
	return created, nil
}

// BuildNotification maps a payload to the stored notification shape
func BuildNotification(in *models.Integration, sourceID string, payload *providers.Payload, now time.Time) *models.Notification {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		title = in.ProviderType.Label() + " notification"
	}

	createdAt := payload.OccurredAt
	if createdAt.IsZero() {
		createdAt = now
	}

	metadata := make(map[string]any, len(payload.Metadata))
	for k, v := range payload.Metadata {
		metadata[k] = v
	}

	return &models.Notification{
		OwnerID:          in.OwnerID,
		IntegrationID:    in.ID,
		Title:            Truncate(title, MaxTextLength),
		Body:             Truncate(strings.TrimSpace(payload.Body), MaxTextLength),
		Source:           in.ProviderType,
		SourceID:         sourceID,
		ProviderMetadata: metadata,
		CreatedAt:        createdAt.UTC(),
	}
}

// Truncate bounds s to max runes, ending with "..." when shortened
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}

func asUpstream(err error, op string) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindUpstreamFetchFailed, op, err)
}
