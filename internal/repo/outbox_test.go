package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/richardliu001/savings-ledger/internal/logger"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeWriter struct {
	failNext bool
	sent     []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.failNext {
		f.failNext = false
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func newOutboxRepo(t *testing.T) (*Repository, *fakeWriter) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))

	log, err := logger.NewLogger()
	require.NoError(t, err)
	rp := NewRepository(db, nil, nil, log)
	fw := &fakeWriter{}
	rp.writer = fw
	return rp, fw
}

func seedOutbox(t *testing.T, rp *Repository, users ...string) {
	t.Helper()
	ctx := context.Background()
	for _, u := range users {
		require.NoError(t, rp.CreateOutboxEvent(ctx, rp.DB(ctx), &model.OutboxEvent{
			Aggregate:   "Wallet",
			AggregateID: u,
			EventType:   model.EventTransactionCompleted,
			Payload:     `{"user_id":"` + u + `"}`,
		}))
	}
}

func TestRelayOutbox_StopsAtFirstFailureAndResumes(t *testing.T) {
	rp, fw := newOutboxRepo(t)
	ctx := context.Background()
	seedOutbox(t, rp, "u1", "u2", "u1")

	first, err := rp.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 3)

	n, err := rp.RelayOutbox(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the next publish fails; nothing after it goes out
	fw.failNext = true
	n, err = rp.RelayOutbox(ctx, 10)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, fw.sent, 1)

	left, err := rp.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, first[1].ID, left[0].ID)

	n, err = rp.RelayOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, fw.sent, 3)
	for i, want := range []string{"u1", "u2", "u1"} {
		assert.Equal(t, want, string(fw.sent[i].Key))
	}
	assert.Equal(t, "event_type", fw.sent[0].Headers[0].Key)
	assert.Equal(t, model.EventTransactionCompleted, string(fw.sent[0].Headers[0].Value))

	left, err = rp.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)

	var marked model.OutboxEvent
	require.NoError(t, rp.DB(ctx).First(&marked, first[0].ID).Error)
	assert.True(t, marked.Processed)
	assert.NotNil(t, marked.ProcessedAt)
}

func TestRelayOutbox_WithoutWriterMarksNothing(t *testing.T) {
	rp, _ := newOutboxRepo(t)
	rp.writer = nil
	ctx := context.Background()
	seedOutbox(t, rp, "u1")

	n, err := rp.RelayOutbox(ctx, 10)
	assert.Error(t, err)
	assert.Zero(t, n)

	left, err := rp.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
