package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
	jobmetrics "github.com/optica-commerce/optica-catalog/internal/jobs"
	"github.com/optica-commerce/optica-catalog/internal/source"
	"github.com/optica-commerce/optica-catalog/internal/sync"
)

type fakeCollection struct {
	products map[string]catalog.Product
}

func (c *fakeCollection) FindBySKU(_ context.Context, sku string) (catalog.Product, error) {
	p, ok := c.products[sku]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (c *fakeCollection) Create(_ context.Context, p catalog.Product) (catalog.Product, error) {
	p.Version = 1
	c.products[p.SKU] = p
	return p, nil
}

func (c *fakeCollection) Update(_ context.Context, sku string, patch catalog.ProductPatch, expectedVersion int64) (catalog.Product, error) {
	p := c.products[sku]
	if p.Version != expectedVersion {
		return catalog.Product{}, catalog.ErrVersionConflict
	}
	patch.Apply(&p)
	p.Version++
	c.products[sku] = p
	return p, nil
}

func (c *fakeCollection) Delete(_ context.Context, sku string, _ catalog.Source) (catalog.Product, error) {
	p, ok := c.products[sku]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	p.Active = false
	c.products[sku] = p
	return p, nil
}

type fakeTransformer struct{}

func (fakeTransformer) Transform(_ context.Context, raw source.RawProduct) (catalog.Product, error) {
	return catalog.Product{
		SKU:        raw.SKU,
		Name:       raw.ModelName,
		Price:      raw.Pricing.Amount,
		Currency:   "USD",
		Active:     true,
		FaceShapes: catalog.DefaultFaceShapeScores(),
		Source:     catalog.SourceExternal,
	}, nil
}

type fakeDeadLetters struct {
	recorded []string
}

func (d *fakeDeadLetters) Record(_ context.Context, event source.Event, reason string, _ int) (sync.DeadLetter, error) {
	d.recorded = append(d.recorded, event.SKU+": "+reason)
	return sync.DeadLetter{}, nil
}

func newSyncProcessor(t *testing.T) (*SyncProcessor, *fakeCollection, *fakeDeadLetters) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	collection := &fakeCollection{products: map[string]catalog.Product{}}
	deadLetters := &fakeDeadLetters{}
	service := sync.NewService(collection, fakeTransformer{}, nil, logger)
	jm := jobmetrics.NewMetrics(prometheus.NewRegistry())
	return NewSyncProcessor(service, deadLetters, nil, jm, logger), collection, deadLetters
}

func syncTask(t *testing.T, event source.Event) *asynq.Task {
	t.Helper()
	task, err := NewSyncEventTask(event)
	require.NoError(t, err)
	return task
}

func TestHandleAppliesCreateEvent(t *testing.T) {
	processor, collection, deadLetters := newSyncProcessor(t)

	raw := source.RawProduct{SKU: "OPT-1", ModelName: "Aviator"}
	raw.Pricing.Amount = 120
	event := source.Event{
		Type:      source.EventProductCreated,
		SKU:       "OPT-1",
		Product:   &raw,
		Timestamp: time.Now().UTC(),
	}

	err := processor.Handle(context.Background(), syncTask(t, event))
	require.NoError(t, err)
	require.Contains(t, collection.products, "OPT-1")
	require.Empty(t, deadLetters.recorded)
}

func TestHandleParksUnresolvableEvent(t *testing.T) {
	processor, _, deadLetters := newSyncProcessor(t)

	event := source.Event{Type: source.EventProductUpdated, SKU: "OPT-1"}

	err := processor.Handle(context.Background(), syncTask(t, event))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Len(t, deadLetters.recorded, 1)
}

func TestHandleSkipsUndecodablePayload(t *testing.T) {
	processor, _, deadLetters := newSyncProcessor(t)

	task := asynq.NewTask(TaskSyncEvent, []byte("{not json"))
	err := processor.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, deadLetters.recorded)
}

func TestSyncEventTaskRoundtrip(t *testing.T) {
	event := source.Event{
		Type:      source.EventProductDeleted,
		SKU:       "OPT-9",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	task, err := NewSyncEventTask(event)
	require.NoError(t, err)
	require.Equal(t, TaskSyncEvent, task.Type())

	var decoded source.Event
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, event, decoded)
}
