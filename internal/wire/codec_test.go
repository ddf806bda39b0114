package wire

import (
	"testing"

	"github.com/odinrealtime/rdb-go/internal/query"
)

func decodeEnvelope(t *testing.T, data []byte) (string, map[string]interface{}) {
	t.Helper()
	var envelope map[string]interface{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if len(envelope) != 1 {
		t.Fatalf("expected exactly one top-level key, got %d", len(envelope))
	}
	for tag, payload := range envelope {
		p, _ := payload.(map[string]interface{})
		return tag, p
	}
	return "", nil
}

func TestSerializeConnectRoundTrip(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagConnect, EventID: "e1", ConID: "con-1"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagConnect) {
		t.Fatalf("tag = %q", tag)
	}
	if p["evt-id"] != "e1" || p["con-id"] != "con-1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSerializeReconnectCarriesConnectionID(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagReconnect, EventID: "e8", ConID: "con-9"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagReconnect) || p["con-id"] != "con-9" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSerializeAuthRoundTrip(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagAuth, EventID: "e2", Token: "tok"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagAuth) || p["token"] != "tok" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSerializeMutateRoundTrip(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{
		Tag: TagMutate, EventID: "e3", ColID: "widgets",
		Doc: &DocRef{ID: "doc-1", ETag: "etag-1", Body: map[string]interface{}{"n": float64(1)}},
	})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagMutate) {
		t.Fatalf("tag = %q", tag)
	}
	if p["col-id"] != "widgets" {
		t.Fatalf("col-id = %v", p["col-id"])
	}
	doc, _ := p["doc"].(map[string]interface{})
	if doc["id"] != "doc-1" || doc["etag"] != "etag-1" {
		t.Fatalf("doc = %+v", doc)
	}
	body, _ := doc["body"].(map[string]interface{})
	if body["n"] != float64(1) {
		t.Fatalf("body = %+v", body)
	}
}

func TestSerializeDeleteOmitsBody(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagDelete, EventID: "e4", ColID: "widgets", Doc: &DocRef{ID: "doc-1", ETag: "etag-1"}})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagDelete) {
		t.Fatalf("tag = %q", tag)
	}
	doc, _ := p["doc"].(map[string]interface{})
	if _, hasBody := doc["body"]; hasBody {
		t.Fatalf("delete must not carry a body, got %+v", doc)
	}
}

func TestSerializeSubscribeRoundTrip(t *testing.T) {
	c := NewCodec()
	q := query.Query{
		CollectionID: "widgets",
		Filter:       query.Simple("name", query.RelEq, "a"),
		Ordering:     query.Ordering{{KeyPath: "name", Direction: query.Asc}},
		Paging:       query.Paging{HasTake: true, Take: 10},
	}
	data, err := c.Serialize(Request{Tag: TagSubscribe, EventID: "e5", ColID: "widgets", SubID: "sub-1", Query: q})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagSubscribe) || p["sub-id"] != "sub-1" {
		t.Fatalf("payload = %+v", p)
	}
	filter, _ := p["filter"].(map[string]interface{})
	if filter["name"] != "a" {
		t.Fatalf("filter = %+v", filter)
	}
	if p["limit"].(float64) != 10 {
		t.Fatalf("limit = %v", p["limit"])
	}
}

func TestSerializeFetchRoundTrip(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagFetch, EventID: "e6", ColID: "widgets", FtcID: "ftc-1", Query: query.Query{CollectionID: "widgets"}})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagFetch) || p["ftc-id"] != "ftc-1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSerializeUnsubscribeRoundTrip(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagUnsubscribe, EventID: "e7", SubID: "sub-1"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagUnsubscribe) || p["sub-id"] != "sub-1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSerializeAckCarriesAckedEventIDAsEvtID(t *testing.T) {
	c := NewCodec()
	data, err := c.Serialize(Request{Tag: TagClientAck, EventID: "acked-evt-1"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	tag, p := decodeEnvelope(t, data)
	if tag != string(TagClientAck) {
		t.Fatalf("tag = %q", tag)
	}
	if p["evt-id"] != "acked-evt-1" {
		t.Fatalf("expected evt-id to be the acked event id, got %+v", p)
	}
}

func TestSerializeNoopDeauthDisconnectRoundTrip(t *testing.T) {
	c := NewCodec()
	for _, tag := range []Tag{TagNoop, TagDeauth, TagDisconnect} {
		data, err := c.Serialize(Request{Tag: tag, EventID: "e"})
		if err != nil {
			t.Fatalf("Serialize(%s): %v", tag, err)
		}
		got, _ := decodeEnvelope(t, data)
		if got != string(tag) {
			t.Fatalf("tag = %q, want %q", got, tag)
		}
	}
}

func TestSerializeRejectsMissingEventID(t *testing.T) {
	c := NewCodec()
	if _, err := c.Serialize(Request{Tag: TagNoop}); err == nil {
		t.Fatal("expected an error for a request with no event id")
	}
}

func TestParseAckFrame(t *testing.T) {
	c := NewCodec()
	frames, batches, err := c.Parse([]byte(`{"ack":{"evt-id":"e1"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(frames) != 1 || frames[0].AckedEventID != "e1" {
		t.Fatalf("frames = %+v", frames)
	}
	if len(batches) != 0 {
		t.Fatalf("expected no batches, got %d", len(batches))
	}
}

func TestParseErrFrame(t *testing.T) {
	c := NewCodec()
	frames, _, err := c.Parse([]byte(`{"err":{"evt-id":"e2","err-type":"executionFailed","err-msg":"writeConflict"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %+v", frames)
	}
	f := frames[0]
	if f.AckedEventID != "e2" || f.ErrType != "executionFailed" || f.ErrMessage != "writeConflict" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestParseValFrameProducesSnapshotBatch(t *testing.T) {
	c := NewCodec()
	_, batches, err := c.Parse([]byte(`{"val":{"evt-id":"e3","sub-id":"sub-1","col-id":"widgets","docs":[{"id":"a","etag":"t1"}]}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %+v", batches)
	}
	b := batches[0]
	if !b.HasSnapshot || b.SubID != "sub-1" || b.ColID != "widgets" || len(b.Snapshot) != 1 || b.Snapshot[0].ID != "a" {
		t.Fatalf("batch = %+v", b)
	}
	if len(b.EventIDs) != 1 || b.EventIDs[0] != "e3" {
		t.Fatalf("event ids = %+v", b.EventIDs)
	}
}

func TestParseUpdFrameProducesUpdateBatch(t *testing.T) {
	c := NewCodec()
	_, batches, err := c.Parse([]byte(`{"upd":{"evt-id":"e4","sub-id":"sub-1","col-id":"widgets","doc":{"id":"a","etag":"t2"}}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %+v", batches)
	}
	deltas := batches[0].Deltas()
	if len(deltas) != 1 || deltas[0].Removed || deltas[0].Doc.ID != "a" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestParseRmFrameMarksTombstone(t *testing.T) {
	c := NewCodec()
	_, batches, err := c.Parse([]byte(`{"rm":{"evt-id":"e5","sub-id":"sub-1","col-id":"widgets","doc":{"id":"a","etag":"t3","body":{"n":1}}}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	deltas := batches[0].Deltas()
	if len(deltas) != 1 || !deltas[0].Removed || deltas[0].Doc.Value != nil {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestParseCancelFrame(t *testing.T) {
	c := NewCodec()
	frames, _, err := c.Parse([]byte(`{"ca":{"sub-id":"sub-1","col-id":"widgets"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(frames) != 1 || frames[0].SubID != "sub-1" || frames[0].ColID != "widgets" {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestParseResFrame(t *testing.T) {
	c := NewCodec()
	frames, _, err := c.Parse([]byte(`{"res":{"ftc-id":"ftc-1","col-id":"widgets","docs":[{"id":"a"},{"id":"b"}]}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(frames) != 1 || frames[0].FtcID != "ftc-1" || len(frames[0].Docs) != 2 {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestParseBatchMergesValThenUpdForSameSubscription(t *testing.T) {
	c := NewCodec()
	raw := `{"batch":[
		{"val":{"evt-id":"e1","sub-id":"sub-1","col-id":"widgets","docs":[{"id":"a"}]}},
		{"upd":{"evt-id":"e2","sub-id":"sub-1","col-id":"widgets","doc":{"id":"b"}}}
	]}`
	_, batches, err := c.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %+v", batches)
	}
	b := batches[0]
	if !b.HasSnapshot || len(b.Snapshot) != 1 {
		t.Fatalf("expected merged snapshot, got %+v", b)
	}
	deltas := b.Deltas()
	if len(deltas) != 1 || deltas[0].Doc.ID != "b" {
		t.Fatalf("expected merged update, got %+v", deltas)
	}
	if len(b.EventIDs) != 2 {
		t.Fatalf("expected both event ids folded in, got %+v", b.EventIDs)
	}
}

func TestParseRejectsMultiKeyEnvelope(t *testing.T) {
	c := NewCodec()
	if _, _, err := c.Parse([]byte(`{"ack":{},"err":{}}`)); err == nil {
		t.Fatal("expected an error for a frame with more than one top-level key")
	}
}
