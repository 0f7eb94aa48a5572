package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var _ gobilling.Storage = (*Storage)(nil)

var testTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func setupTestStorage(t *testing.T, config Config) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, config)
	require.NoError(t, err)
	return storage, mr
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	storage, _ := setupTestStorage(t, Config{})
	assert.Equal(t, "gobilling:", storage.config.KeyPrefix)
	assert.Equal(t, gobilling.DefaultEventRetention, storage.config.EventRetention)
	assert.NoError(t, storage.Ping(context.Background()))
}

func TestStorage_EntityAndCustomer(t *testing.T) {
	storage, mr := setupTestStorage(t, Config{KeyPrefix: "test:"})
	ctx := context.Background()

	_, err := storage.GetEntity(ctx, "ent_1")
	assert.ErrorIs(t, err, gobilling.ErrEntityNotFound)
	_, err = storage.GetCustomer(ctx, "cus_1")
	assert.ErrorIs(t, err, gobilling.ErrCustomerNotFound)

	require.NoError(t, storage.SaveEntity(ctx, &gobilling.Entity{ID: "ent_1", CustomerID: "cus_1", CreatedAt: testTime}))
	require.NoError(t, storage.SaveCustomer(ctx, &gobilling.Customer{
		ID: "cus_1", EntityID: "ent_1", PaymentCustomerID: "pcus_1",
	}))

	entity, err := storage.GetEntity(ctx, "ent_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", entity.CustomerID)
	assert.True(t, testTime.Equal(entity.CreatedAt))

	customer, err := storage.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "pcus_1", customer.PaymentCustomerID)

	byPayment, err := storage.GetCustomerByPaymentCustomerID(ctx, "pcus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", byPayment.ID)

	// Relinking leaves the old index entry behind.
	require.NoError(t, storage.SaveCustomer(ctx, &gobilling.Customer{
		ID: "cus_1", EntityID: "ent_1", PaymentCustomerID: "pcus_2",
	}))
	_, err = storage.GetCustomerByPaymentCustomerID(ctx, "pcus_1")
	assert.ErrorIs(t, err, gobilling.ErrCustomerNotFound)
	_, err = storage.GetCustomerByPaymentCustomerID(ctx, "pcus_unknown")
	assert.ErrorIs(t, err, gobilling.ErrCustomerNotFound)

	assert.True(t, mr.Exists("test:entity:ent_1"))
	assert.ErrorIs(t, storage.SaveEntity(ctx, &gobilling.Entity{}), gobilling.ErrInvalidInput)
}

func TestStorage_Contracts(t *testing.T) {
	storage, _ := setupTestStorage(t, Config{})
	ctx := context.Background()

	_, err := storage.GetContract(ctx, "ctr_0")
	assert.ErrorIs(t, err, gobilling.ErrContractNotFound)

	// Saved newest first to check ordering by creation time
	for i := 2; i >= 0; i-- {
		require.NoError(t, storage.SaveContract(ctx, &gobilling.Contract{
			ID:         fmt.Sprintf("ctr_%d", i),
			CustomerID: "cus_1",
			Tier:       gobilling.TierPro,
			Status:     gobilling.ContractStatusCancelled,
			CreatedAt:  testTime.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, storage.SaveContract(ctx, &gobilling.Contract{ID: "other", CustomerID: "cus_2"}))

	// Saving again replaces the record without duplicating the index entry
	require.NoError(t, storage.SaveContract(ctx, &gobilling.Contract{
		ID: "ctr_2", CustomerID: "cus_1", Tier: gobilling.TierTeam,
		Status: gobilling.ContractStatusActive, CreatedAt: testTime.Add(2 * time.Hour),
	}))

	contracts, err := storage.ListContracts(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, contracts, 3)
	assert.Equal(t, "ctr_0", contracts[0].ID)
	assert.Equal(t, "ctr_2", gobilling.ActiveContract(contracts).ID)
	assert.Equal(t, gobilling.TierTeam, gobilling.ActiveContract(contracts).Tier)

	none, err := storage.ListContracts(ctx, "cus_missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStorage_Invoices(t *testing.T) {
	storage, _ := setupTestStorage(t, Config{})
	ctx := context.Background()

	inv := &gobilling.Invoice{
		ID:         "inv_1",
		CustomerID: "cus_1",
		Amount:     decimal.RequireFromString("4.65"),
		Currency:   "usd",
		Status:     gobilling.InvoiceStatusOpen,
		LineItems:  []gobilling.LineItem{{Description: "proration", Amount: decimal.RequireFromString("4.65"), Quantity: 1}},
		CreatedAt:  testTime,
	}
	require.NoError(t, storage.SaveInvoice(ctx, inv))

	got, err := storage.GetInvoice(ctx, "inv_1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("4.65").Equal(got.Amount))
	require.Len(t, got.LineItems, 1)

	list, err := storage.ListInvoices(ctx, "cus_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = storage.GetInvoice(ctx, "inv_missing")
	assert.ErrorIs(t, err, gobilling.ErrInvoiceNotFound)
}

func TestStorage_CreditsAreDeduplicated(t *testing.T) {
	storage, _ := setupTestStorage(t, Config{})
	ctx := context.Background()

	credit := &gobilling.Credit{ID: "crd_1", CustomerID: "cus_1", Amount: 465, Balance: 465, Currency: "usd"}
	require.NoError(t, storage.AppendCredit(ctx, credit))
	require.NoError(t, storage.AppendCredit(ctx, credit))
	require.NoError(t, storage.AppendCredit(ctx, &gobilling.Credit{ID: "crd_2", CustomerID: "cus_1", Amount: 100, Balance: -35}))

	credits, err := storage.ListCredits(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, credits, 2)
	assert.Equal(t, "crd_1", credits[0].ID)
	assert.Equal(t, int64(430), gobilling.CreditBalance(credits))

	assert.ErrorIs(t, storage.AppendCredit(ctx, &gobilling.Credit{ID: "crd_3"}), gobilling.ErrMissingField)
}

func TestStorage_WebhookEventLog(t *testing.T) {
	storage, _ := setupTestStorage(t, Config{EventRetention: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, storage.AppendWebhookEvent(ctx, &gobilling.WebhookEvent{
			ID:        fmt.Sprintf("evt_%d", i),
			Type:      "invoice.paid",
			Data:      []byte(`{"id":"inv_1"}`),
			CreatedAt: testTime,
			Source:    "credits",
		}))
	}
	// Duplicate of a retained event is ignored
	require.NoError(t, storage.AppendWebhookEvent(ctx, &gobilling.WebhookEvent{ID: "evt_4", Type: "invoice.paid", CreatedAt: testTime}))

	events, err := storage.ListWebhookEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt_4", events[0].ID)
	assert.Equal(t, "evt_2", events[2].ID)
	assert.Equal(t, "credits", events[0].Source)
	assert.JSONEq(t, `{"id":"inv_1"}`, string(events[0].Data))

	limited, err := storage.ListWebhookEvents(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Trimmed IDs can be appended again
	require.NoError(t, storage.AppendWebhookEvent(ctx, &gobilling.WebhookEvent{ID: "evt_0", Type: "invoice.paid", CreatedAt: testTime}))
	events, err = storage.ListWebhookEvents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "evt_0", events[0].ID)
}

func TestStorage_ProcessedMarkers(t *testing.T) {
	storage, mr := setupTestStorage(t, Config{})
	ctx := context.Background()

	processed, err := storage.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, storage.MarkEventProcessed(ctx, "evt_1", time.Hour))
	require.NoError(t, storage.MarkEventProcessed(ctx, "evt_2", 0))

	processed, err = storage.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	mr.FastForward(2 * time.Hour)

	processed, err = storage.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed, "marker expires after its ttl")

	processed, err = storage.IsEventProcessed(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, processed, "zero ttl never expires")
}

func TestStorage_FailedEvents(t *testing.T) {
	storage, _ := setupTestStorage(t, Config{})
	ctx := context.Background()

	for i, id := range []string{"evt_b", "evt_a"} {
		require.NoError(t, storage.SaveFailedEvent(ctx, &gobilling.FailedEvent{
			Event:    gobilling.WebhookEvent{ID: id, Type: "invoice.paid", CreatedAt: testTime},
			Source:   "credits",
			Error:    "downstream unavailable",
			Attempts: 3,
			FailedAt: testTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	failed, err := storage.ListFailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "evt_b", failed[0].Event.ID)
	assert.Equal(t, "credits", failed[0].Source)
	assert.Equal(t, 3, failed[0].Attempts)

	require.NoError(t, storage.DeleteFailedEvent(ctx, "evt_b"))
	require.NoError(t, storage.DeleteFailedEvent(ctx, "evt_missing"))

	failed, err = storage.ListFailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt_a", failed[0].Event.ID)
}

func TestStorage_Unavailable(t *testing.T) {
	storage, mr := setupTestStorage(t, Config{})
	ctx := context.Background()
	mr.SetError("LOADING redis is loading")

	_, err := storage.GetEntity(ctx, "ent_1")
	assert.Error(t, err)
	assert.False(t, gobilling.IsNotFound(err))
}
