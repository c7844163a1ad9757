// Package vectorsink is a thin façade over a multi-tenant Weaviate
// instance: it ensures the target collection and per-domain tenants exist,
// and performs batched object imports, reporting per-object failures back
// to the caller instead of retrying internally.
package vectorsink

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/rs/zerolog"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate/entities/models"
)

// Object is one message ready for import: its mail_id doubles as the
// vector-object UUID, and Properties already carries the fixed
// filter_*/search_* mapping plus any configured filter_* extras.
type Object struct {
	MailID     string
	Properties map[string]any
	Vector     []float32
}

// ObjectFailure reports why one object in a batch was rejected.
type ObjectFailure struct {
	MailID  string
	Message string
}

// Sink owns one Weaviate client. Per the concurrency model, each worker
// owns its own Sink; it is never shared across goroutines.
type Sink struct {
	client         *weaviate.Client
	collectionName string
	log            zerolog.Logger
}

// VectorConfig names the vectorizer module and its parameters, mirroring
// weaviate.embedding.* in configuration.
type VectorConfig struct {
	Provider         string
	Model            string
	VectorDimensions int
}

// New connects a Sink to a running Weaviate instance. It does not perform
// any schema operations; call EnsureCollection separately from the
// orchestrator's connection.
func New(host, apiKey string, log zerolog.Logger) (*Sink, error) {
	cfg := weaviate.Config{Scheme: "http", Host: host}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect weaviate: %w", err)
	}
	return &Sink{client: client, log: log.With().Str("component", "vectorsink").Logger()}, nil
}

// HealthPing satisfies health.HealthPinger.
func (s *Sink) HealthPing(ctx context.Context) error {
	_, err := s.client.Schema().Getter().Do(ctx)
	return err
}

// EnsureCollection creates the named collection with multi-tenancy enabled
// if it is missing. If it exists without multi-tenancy, or filterFields
// introduced new properties, it is dropped and recreated; the sink never
// attempts an online migration. Called once at startup from the
// orchestrator's connection only.
func (s *Sink) EnsureCollection(ctx context.Context, name string, filterFields []string, vec VectorConfig) error {
	s.collectionName = name

	existing, err := s.client.Schema().ClassGetter().WithClassName(name).Do(ctx)
	if err == nil && existing != nil {
		if existing.MultiTenancyConfig != nil && existing.MultiTenancyConfig.Enabled && hasAllProperties(existing, filterFields) {
			return nil
		}
		if err := s.client.Schema().ClassDeleter().WithClassName(name).Do(ctx); err != nil {
			return fmt.Errorf("drop stale collection %s: %w", name, err)
		}
	}

	class := &models.Class{
		Class:              name,
		Vectorizer:         vectorizerModule(vec.Provider),
		MultiTenancyConfig: &models.MultiTenancyConfig{Enabled: true},
		Properties:         baseProperties(filterFields),
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func hasAllProperties(cls *models.Class, filterFields []string) bool {
	have := make(map[string]bool, len(cls.Properties))
	for _, p := range cls.Properties {
		have[p.Name] = true
	}
	for _, f := range filterFields {
		if !have[f] {
			return false
		}
	}
	return true
}

func vectorizerModule(provider string) string {
	switch provider {
	case "openai":
		return "text2vec-openai"
	case "ollama":
		return "text2vec-ollama"
	default:
		return "none"
	}
}

func baseProperties(filterFields []string) []*models.Property {
	props := []*models.Property{
		{Name: "mail_id", DataType: []string{"text"}},
		{Name: "filter_user_id", DataType: []string{"text"}},
		{Name: "filter_year", DataType: []string{"int"}},
		{Name: "filter_month", DataType: []string{"int"}},
		{Name: "filter_day", DataType: []string{"int"}},
		{Name: "search_mail_content", DataType: []string{"text"}},
		{Name: "search_mail_header", DataType: []string{"text"}},
	}
	seen := make(map[string]bool, len(props))
	for _, p := range props {
		seen[p.Name] = true
	}
	for _, f := range filterFields {
		if !seen[f] {
			props = append(props, &models.Property{Name: f, DataType: []string{"text"}})
			seen[f] = true
		}
	}
	return props
}

// EnsureTenant creates the per-domain tenant partition if it doesn't exist
// yet. Idempotent; called by the worker once per batch, before import.
func (s *Sink) EnsureTenant(ctx context.Context, domain string) error {
	return s.client.Schema().TenantsCreator().
		WithClassName(s.collectionName).
		WithTenants(models.Tenant{Name: domain}).
		Do(ctx)
}

// ImportBatch bulk-inserts objects into the domain's tenant partition.
// Per-object failures are returned to the caller; the sink itself never
// retries. A connection-level error fails every object in the batch.
func (s *Sink) ImportBatch(ctx context.Context, domain string, objects []Object) ([]ObjectFailure, error) {
	if len(objects) == 0 {
		return nil, nil
	}

	models_ := make([]*models.Object, 0, len(objects))
	for _, o := range objects {
		models_ = append(models_, &models.Object{
			Class:      s.collectionName,
			ID:         strfmt.UUID(o.MailID),
			Properties: o.Properties,
			Vector:     o.Vector,
			Tenant:     domain,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(models_...).Do(ctx)
	if err != nil {
		s.log.Error().Err(err).Int("batch_size", len(objects)).Str("domain", domain).Msg("transport failure importing batch")
		failures := make([]ObjectFailure, 0, len(objects))
		for _, o := range objects {
			failures = append(failures, ObjectFailure{MailID: o.MailID, Message: err.Error()})
		}
		return failures, err
	}

	var failures []ObjectFailure
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil || len(r.Result.Errors.Error) == 0 {
			continue
		}
		mailID := ""
		if r.ID != "" {
			mailID = string(r.ID)
		}
		msg := r.Result.Errors.Error[0].Message
		failures = append(failures, ObjectFailure{MailID: mailID, Message: msg})
	}

	s.log.Info().Int("batch_size", len(objects)).Int("failures", len(failures)).Str("domain", domain).Msg("batch imported")
	return failures, nil
}
