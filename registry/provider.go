// Package registry implements the LM provider registry (C7's config/cache
// half) and the workflow registry (C8): both cache persisted configuration
// behind an LRU+TTL, enforce owner/system tiered access control, and
// construct runtime handles (a fresh LM handle on every GetModel call, a
// compiled graph on a cache miss). Grounded on store.go's
// CRUD-by-collection Store interface shape; access control has no single
// teacher file to imitate (the teacher has no multi-tenant tier model), so
// it is implemented directly against the spec's owner/system/tier rules.
package registry

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/llm"
	"github.com/redbtn-io/ai/observer"
	"github.com/redbtn-io/ai/runtimeerr"
	"github.com/redbtn-io/ai/store"
)

const (
	configCacheSize = 100
	configCacheTTL  = 5 * time.Minute
)

// systemOwner is the reserved ownerId for neurons/graphs visible to every
// user subject to a tier check (spec §4.7 "System neurons").
const systemOwner = "system"

// defaultUserTier is used when the caller has no resolvable user tier;
// spec §4.7 calls this "the lowest privilege".
const defaultUserTier = 4

// cacheKey identifies a cached entry scoped to a requesting user.
type cacheKey struct {
	userID string
	id     string
}

// neuronSource is the persistence surface the registry needs: neuron CRUD
// plus the user-tier lookup access control depends on.
type neuronSource interface {
	store.NeuronStore
	GetUser(ctx context.Context, userID string) (store.User, error)
}

// ProviderRegistry resolves NeuronConfig documents into LMHandles (§4.7).
type ProviderRegistry struct {
	store   neuronSource
	config  *lru.LRU[cacheKey, store.NeuronRecord]
	observe *observer.Instruments
}

// ProviderRegistryOption configures a ProviderRegistry at construction.
type ProviderRegistryOption func(*ProviderRegistry)

// WithObserver instruments every handle GetModel returns with OTEL
// traces/metrics/logs (observer.WrapLMHandle), so neuron invocations are
// observable regardless of which provider family resolved them.
func WithObserver(inst *observer.Instruments) ProviderRegistryOption {
	return func(r *ProviderRegistry) { r.observe = inst }
}

// NewProviderRegistry constructs a registry backed by s.
func NewProviderRegistry(s neuronSource, opts ...ProviderRegistryOption) *ProviderRegistry {
	r := &ProviderRegistry{
		store:  s,
		config: lru.NewLRU[cacheKey, store.NeuronRecord](configCacheSize, nil, configCacheTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetConfig resolves a neuron's persisted config for userID, enforcing
// owner/system/tier access control (§4.7 "Access control").
func (r *ProviderRegistry) GetConfig(ctx context.Context, neuronID, userID string) (store.NeuronRecord, error) {
	key := cacheKey{userID: userID, id: neuronID}
	if rec, ok := r.config.Get(key); ok {
		return rec, nil
	}

	rec, err := r.store.GetNeuron(ctx, neuronID)
	if err != nil {
		return store.NeuronRecord{}, runtimeerr.Wrap(runtimeerr.NotFound, "neuron not found", err).WithContext("neuronId", neuronID)
	}

	if rec.OwnerID != userID {
		if rec.OwnerID != systemOwner {
			return store.NeuronRecord{}, runtimeerr.New(runtimeerr.AccessDenied, "neuron not accessible to this user").WithContext("ownerId", rec.OwnerID)
		}
		user, err := r.store.GetUser(ctx, userID)
		if err != nil {
			return store.NeuronRecord{}, runtimeerr.Wrap(runtimeerr.AccessDenied, "resolving user tier", err)
		}
		if err := checkTier(userTierOrDefault(&user.Tier), rec.Tier); err != nil {
			return store.NeuronRecord{}, err
		}
	}

	r.config.Add(key, rec)
	return rec, nil
}

// GetModel resolves neuronID for userID and constructs a fresh LMHandle
// (§4.7 "Model creation": dispatch by provider, no pooling).
func (r *ProviderRegistry) GetModel(ctx context.Context, neuronID, userID string) (engine.LMHandle, error) {
	rec, err := r.GetConfig(ctx, neuronID, userID)
	if err != nil {
		return nil, err
	}

	apiKey := rec.APIKey
	if rec.APIKeyEncrypted {
		apiKey, err = decryptAPIKey(apiKey)
		if err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.ProviderError, "decrypting neuron api key", err).WithContext("neuronId", neuronID)
		}
	}

	cfg := llm.Config{
		NeuronID:    rec.NeuronID,
		Provider:    rec.Provider,
		Endpoint:    rec.Endpoint,
		Model:       rec.Model,
		APIKey:      apiKey,
		Temperature: rec.Temperature,
		TopP:        rec.TopP,
	}
	handle, err := llm.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if rpm, tpm, limited := tierBudget(rec.Tier); limited {
		handle = WithRateLimit(handle, RPM(rpm), TPM(tpm))
	}
	if r.observe != nil {
		handle = observer.WrapLMHandle(handle, rec.Model, r.observe)
	}
	return handle, nil
}

// tierBudget maps a neuron's tier to an RPM/TPM budget (spec's rate-limiting
// supplement: "configurable per neuron tier"). Tier 1 (highest privilege) is
// left unmetered; lower tiers get progressively tighter budgets.
func tierBudget(tier int) (rpm, tpm int, limited bool) {
	switch tier {
	case 2:
		return 120, 200_000, true
	case 3:
		return 60, 100_000, true
	case 4:
		return 20, 40_000, true
	default:
		return 0, 0, false
	}
}

// ClearCache evicts all cached config for userID, or every entry when
// userID is empty (§4.7 "clearCache(userId?)").
func (r *ProviderRegistry) ClearCache(userID string) {
	if userID == "" {
		r.config.Purge()
		return
	}
	for _, key := range r.config.Keys() {
		if key.userID == userID {
			r.config.Remove(key)
		}
	}
}

// checkTier enforces the tier half of system-neuron access: userTier must
// be numerically <= the resource's tier to be granted access. Call this
// after confirming ownerID == systemOwner, as GetConfig does.
func checkTier(userTier, resourceTier int) error {
	if userTier <= resourceTier {
		return nil
	}
	return runtimeerr.New(runtimeerr.AccessDenied, "insufficient tier for system resource").
		WithContext("userTier", userTier).WithContext("resourceTier", resourceTier)
}

// decryptAPIKey is a placeholder hook for the deployment's key-management
// integration; the spec leaves the decryption mechanism unspecified beyond
// "decrypting apiKey if marked encrypted" (§4.7 step 3).
func decryptAPIKey(ciphertext string) (string, error) {
	return ciphertext, nil
}

// userTierOrDefault returns tier, or defaultUserTier (4, lowest privilege)
// when the caller has no resolvable tier (§4.7 "User tier defaults to the
// lowest privilege (4) if unknown").
func userTierOrDefault(tier *int) int {
	if tier == nil {
		return defaultUserTier
	}
	return *tier
}
