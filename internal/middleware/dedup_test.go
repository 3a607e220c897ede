package middleware

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/go-redis/redismock/v9"

    "github.com/xzhHas/botflow/types"
)

func dedupEvent() types.Event {
    return types.Event{ID: "e1", Table: "messages", Operation: types.Insert, Key: "1", Value: map[string]any{"id": "1"}}
}

func TestDedupFirstDelivery(t *testing.T) {
    c, mock := redismock.NewClientMock()
    e := dedupEvent()
    k := DedupKey("dedup:", e)
    mock.ExpectSetNX(k, "e1", time.Minute).SetVal(true)
    calls := 0
    mw := Dedup(c, "dedup:", time.Minute, nil)
    err := mw(context.Background(), e, e.EventType(), func(ctx context.Context) error {
        calls++
        return nil
    })
    if err != nil || calls != 1 {
        t.Fatalf("got calls=%d err=%v", calls, err)
    }
    if err := mock.ExpectationsWereMet(); err != nil {
        t.Fatal(err)
    }
}

func TestDedupSkipsDuplicate(t *testing.T) {
    c, mock := redismock.NewClientMock()
    e := dedupEvent()
    mock.ExpectSetNX(DedupKey("dedup:", e), "e1", time.Minute).SetVal(false)
    mw := Dedup(c, "dedup:", time.Minute, nil)
    err := mw(context.Background(), e, e.EventType(), func(ctx context.Context) error {
        t.Fatal("handler called for duplicate")
        return nil
    })
    if err != nil {
        t.Fatal(err)
    }
    if err := mock.ExpectationsWereMet(); err != nil {
        t.Fatal(err)
    }
}

func TestDedupReleasesOnFailure(t *testing.T) {
    c, mock := redismock.NewClientMock()
    e := dedupEvent()
    k := DedupKey("dedup:", e)
    mock.ExpectSetNX(k, "e1", time.Minute).SetVal(true)
    mock.ExpectDel(k).SetVal(1)
    mw := Dedup(c, "dedup:", time.Minute, nil)
    boom := errors.New("boom")
    err := mw(context.Background(), e, e.EventType(), func(ctx context.Context) error { return boom })
    if !errors.Is(err, boom) {
        t.Fatalf("got %v", err)
    }
    if err := mock.ExpectationsWereMet(); err != nil {
        t.Fatal(err)
    }
}

func TestDedupRedisDown(t *testing.T) {
    c, mock := redismock.NewClientMock()
    e := dedupEvent()
    mock.ExpectSetNX(DedupKey("dedup:", e), "e1", time.Minute).SetErr(errors.New("connection refused"))
    calls := 0
    mw := Dedup(c, "dedup:", time.Minute, nil)
    _ = mw(context.Background(), e, e.EventType(), func(ctx context.Context) error {
        calls++
        return nil
    })
    if calls != 1 {
        t.Fatal("handler should run when redis is unavailable")
    }
}

func TestDedupKeyStable(t *testing.T) {
    a := dedupEvent()
    b := dedupEvent()
    b.ID = "e2"
    if DedupKey("p:", a) != DedupKey("p:", b) {
        t.Fatal("same change should produce same key")
    }
    b.Value = map[string]any{"id": "2"}
    if DedupKey("p:", a) == DedupKey("p:", b) {
        t.Fatal("different value should produce different key")
    }
}
