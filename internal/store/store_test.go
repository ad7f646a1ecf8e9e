package store_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/store"
	"github.com/bruceblink/sendmer/internal/transport"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func putCollection(t *testing.T, s *store.Store, files map[string][]byte) (blob.Hash, *store.Tag) {
	t.Helper()
	c := &blob.Collection{}
	for name, data := range files {
		h, err := s.PutBytes(data)
		if err != nil {
			t.Fatalf("PutBytes(%s): %v", name, err)
		}
		c.Add(name, h)
	}
	c.SortByName()
	tag, root, err := s.PutCollection(c)
	if err != nil {
		t.Fatalf("PutCollection: %v", err)
	}
	return root, tag
}

func TestPutBytesRoundTrip(t *testing.T) {
	s := newStore(t)
	data := []byte("hello sendmer store")

	h, err := s.PutBytes(data)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if want := blob.HashBytes(data); h != want {
		t.Fatalf("hash = %s, want %s", h, want)
	}
	if !s.Has(h) {
		t.Fatal("Has = false after PutBytes")
	}
	size, err := s.SizeOf(h)
	if err != nil || size != int64(len(data)) {
		t.Fatalf("SizeOf = %d, %v; want %d", size, err, len(data))
	}

	rc, n, err := s.Blob(h)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	defer rc.Close()
	if n != int64(len(data)) {
		t.Fatalf("Blob size = %d, want %d", n, len(data))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("blob content = %q, want %q", got, data)
	}

	// Storing the same bytes again is a no-op.
	again, err := s.PutBytes(data)
	if err != nil || again != h {
		t.Fatalf("second PutBytes = %s, %v", again, err)
	}
}

func TestSizeOfMissingBlob(t *testing.T) {
	s := newStore(t)
	if _, err := s.SizeOf(blob.HashBytes([]byte("absent"))); err == nil {
		t.Fatal("SizeOf succeeded for missing blob")
	}
}

func TestAddPathStreamsEvents(t *testing.T) {
	s := newStore(t)
	data := bytes.Repeat([]byte("abcdefgh"), 3<<17) // 3 MiB
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	var kinds []store.AddEventKind
	var tag *store.Tag
	var sawSize uint64
	for ev := range s.AddPath(context.Background(), store.AddPathOptions{Path: path}).Events() {
		if ev.Kind == store.AddError {
			t.Fatalf("AddPath error: %v", ev.Err)
		}
		if ev.Kind == store.AddSize {
			sawSize = ev.Size
		}
		if ev.Kind == store.AddDone {
			tag = ev.Tag
		}
		kinds = append(kinds, ev.Kind)
	}

	if sawSize != uint64(len(data)) {
		t.Fatalf("size event = %d, want %d", sawSize, len(data))
	}
	if tag == nil {
		t.Fatal("no tag delivered")
	}
	if want := blob.HashBytes(data); tag.Hash() != want {
		t.Fatalf("tag hash = %s, want %s", tag.Hash(), want)
	}
	if !s.Has(tag.Hash()) {
		t.Fatal("imported blob missing from store")
	}

	if kinds[0] != store.AddSize {
		t.Fatalf("first event = %v, want AddSize", kinds[0])
	}
	var sawCopy, sawCopyDone, sawOutboard bool
	for i, k := range kinds {
		switch k {
		case store.AddCopyProgress:
			sawCopy = true
		case store.AddCopyDone:
			sawCopyDone = true
			if sawOutboard {
				t.Fatal("AddCopyDone after AddOutboardProgress")
			}
		case store.AddOutboardProgress:
			sawOutboard = true
		case store.AddDone:
			if i != len(kinds)-1 {
				t.Fatal("AddDone was not the final event")
			}
		}
	}
	if !sawCopy || !sawCopyDone || !sawOutboard {
		t.Fatalf("event kinds = %v, missing copy phases", kinds)
	}
}

func TestAddPathMissingFile(t *testing.T) {
	s := newStore(t)
	var last store.AddEvent
	for ev := range s.AddPath(context.Background(), store.AddPathOptions{Path: filepath.Join(t.TempDir(), "nope")}).Events() {
		last = ev
	}
	if last.Kind != store.AddError || last.Err == nil {
		t.Fatalf("final event = %+v, want AddError", last)
	}
}

func TestExportRoundTripAndConflict(t *testing.T) {
	s := newStore(t)
	data := []byte("export me")
	h, err := s.PutBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), "sub", "dir", "out.bin")

	drain := func() error {
		for ev := range s.Export(context.Background(), store.ExportOptions{Hash: h, Target: target}).Events() {
			if ev.Kind == store.ExportError {
				return ev.Err
			}
		}
		return nil
	}

	if err := drain(); err != nil {
		t.Fatalf("export: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("exported content = %q, %v; want %q", got, err, data)
	}

	// A second export to the same path must fail and leave the file alone.
	if err := drain(); err == nil {
		t.Fatal("export over existing file succeeded")
	}
	got, err = os.ReadFile(target)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("existing file changed: %q, %v", got, err)
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	s := newStore(t)
	files := map[string][]byte{
		"a.txt":     []byte("first"),
		"dir/b.txt": []byte("second file"),
	}
	root, tag := putCollection(t, s, files)
	defer tag.Drop()

	seq, err := s.HashSeq(root)
	if err != nil {
		t.Fatalf("HashSeq: %v", err)
	}
	if blob.HashBytes(seq.Bytes()) != root {
		t.Fatal("root does not cover sequence bytes")
	}
	if seq.Len() != len(files)+1 {
		t.Fatalf("sequence length = %d, want %d", seq.Len(), len(files)+1)
	}

	c, err := s.LoadCollection(root)
	if err != nil {
		t.Fatalf("LoadCollection: %v", err)
	}
	want := []string{"a.txt", "dir/b.txt"}
	if diff := cmp.Diff(want, c.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalTracksMissing(t *testing.T) {
	s := newStore(t)

	info, err := s.Local(blob.HashBytes([]byte("never seen")))
	if err != nil {
		t.Fatal(err)
	}
	if info.HaveSeq || info.Complete {
		t.Fatalf("unknown root reported as known: %+v", info)
	}

	// A sequence referencing a blob that was never stored.
	present := []byte("stored payload")
	presentHash, err := s.PutBytes(present)
	if err != nil {
		t.Fatal(err)
	}
	absentHash := blob.HashBytes([]byte("absent payload"))

	c := &blob.Collection{}
	c.Add("here.txt", presentHash)
	c.Add("missing.txt", absentHash)
	c.SortByName()
	meta, err := c.MarshalMeta()
	if err != nil {
		t.Fatal(err)
	}
	metaHash, err := s.PutBytes(meta)
	if err != nil {
		t.Fatal(err)
	}
	seq := c.BuildSeq(metaHash)
	root, err := s.PutBytes(seq.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	info, err = s.Local(root)
	if err != nil {
		t.Fatal(err)
	}
	if !info.HaveSeq || info.Complete {
		t.Fatalf("partial root misreported: %+v", info)
	}
	if info.Children != 3 {
		t.Fatalf("children = %d, want 3", info.Children)
	}
	if diff := cmp.Diff([]int{2}, info.Missing); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
	if info.LocalBytes != uint64(len(present)) {
		t.Fatalf("local bytes = %d, want %d", info.LocalBytes, len(present))
	}
}

func TestTagDropIsIdempotent(t *testing.T) {
	s := newStore(t)
	_, tag := putCollection(t, s, map[string][]byte{"f": []byte("x")})
	if n := s.TaggedCount(); n != 1 {
		t.Fatalf("tagged = %d, want 1", n)
	}
	tag.Drop()
	tag.Drop()
	if n := s.TaggedCount(); n != 0 {
		t.Fatalf("tagged after drop = %d, want 0", n)
	}
}

func TestShutdownRefusesWrites(t *testing.T) {
	s := newStore(t)
	h, err := s.PutBytes([]byte("before"))
	if err != nil {
		t.Fatal(err)
	}
	s.Shutdown()
	if _, err := s.PutBytes([]byte("after")); err == nil {
		t.Fatal("PutBytes succeeded after Shutdown")
	}
	// Committed blobs stay readable.
	if !s.Has(h) {
		t.Fatal("existing blob lost after Shutdown")
	}
}

// TestFetchFromProvider runs the full fetch protocol between two stores over
// an in-memory pipe: sizes negotiation, verification of the sequence against
// the root, then the blob download.
func TestFetchFromProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := newStore(t)
	files := map[string][]byte{
		"one.txt":     bytes.Repeat([]byte("1"), 100),
		"two/sub.bin": bytes.Repeat([]byte("2"), 4096),
	}
	root, tag := putCollection(t, sender, files)
	defer tag.Drop()

	provider := transport.NewProvider(sender, nil)
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	go provider.ServeConn(ctx, transport.NewNetConn(serverRaw, ""))

	if err := transport.WriteFrame(clientRaw, transport.Handshake{Proto: transport.Proto, Node: "test-node"}); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	seq, sizes, err := store.GetHashSeqAndSizes(clientRaw, root, store.MaxHashSeqBytes)
	if err != nil {
		t.Fatalf("GetHashSeqAndSizes: %v", err)
	}
	if len(sizes) != 3 {
		t.Fatalf("sizes = %v, want 3 entries", sizes)
	}
	var payload uint64
	for _, sz := range sizes[1:] {
		payload += sz
	}
	if payload != 100+4096 {
		t.Fatalf("payload total = %d, want %d", payload, 100+4096)
	}

	receiver := newStore(t)
	if _, err := receiver.PutBytes(seq.Bytes()); err != nil {
		t.Fatal(err)
	}

	var lastOffset uint64
	var stats store.Stats
	sawDone := false
	for ev := range receiver.ExecuteGet(ctx, clientRaw, root, seq, []int{0, 1, 2}).Events() {
		switch ev.Kind {
		case store.GetEventProgress:
			if ev.Offset < lastOffset {
				t.Fatalf("offset went backwards: %d < %d", ev.Offset, lastOffset)
			}
			lastOffset = ev.Offset
		case store.GetEventError:
			t.Fatalf("fetch failed: %v", ev.Err)
		case store.GetEventDone:
			sawDone = true
			stats = ev.Stats
		}
	}
	if !sawDone {
		t.Fatal("fetch ended without done event")
	}
	if stats.BytesRead != payload {
		t.Fatalf("stats bytes = %d, want %d", stats.BytesRead, payload)
	}
	if lastOffset != payload {
		t.Fatalf("final offset = %d, want %d", lastOffset, payload)
	}

	info, err := receiver.Local(root)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Complete {
		t.Fatalf("receiver incomplete after fetch: %+v", info)
	}
	c, err := receiver.LoadCollection(root)
	if err != nil {
		t.Fatalf("LoadCollection on receiver: %v", err)
	}
	for _, e := range c.Entries() {
		rc, _, err := receiver.Blob(e.Hash)
		if err != nil {
			t.Fatalf("fetched blob %s missing: %v", e.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || !bytes.Equal(got, files[e.Name]) {
			t.Fatalf("content mismatch for %s: %v", e.Name, err)
		}
	}
}

// TestFetchVerificationRejectsTamperedSeq ensures a sequence that does not
// hash to the requested root is refused before any blob is fetched.
func TestFetchVerificationRejectsTamperedSeq(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := newStore(t)
	_, tag := putCollection(t, sender, map[string][]byte{"f.txt": []byte("data")})
	defer tag.Drop()

	provider := transport.NewProvider(sender, nil)
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	go provider.ServeConn(ctx, transport.NewNetConn(serverRaw, ""))

	if err := transport.WriteFrame(clientRaw, transport.Handshake{Proto: transport.Proto, Node: "test-node"}); err != nil {
		t.Fatal(err)
	}

	// Asking for a different root than what the provider stores yields a
	// refusal, surfaced as a bad-request error.
	bogus := blob.HashBytes([]byte("bogus root"))
	_, _, err := store.GetHashSeqAndSizes(clientRaw, bogus, store.MaxHashSeqBytes)
	if err == nil {
		t.Fatal("fetch of unknown root succeeded")
	}
	var ge *store.GetError
	if !errors.As(err, &ge) || ge.Kind != store.KindBadRequest {
		t.Fatalf("error = %v, want bad-request GetError", err)
	}
}
