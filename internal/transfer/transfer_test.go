package transfer_test

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/internal/store"
	"github.com/bruceblink/sendmer/internal/ticket"
	"github.com/bruceblink/sendmer/internal/transfer"
	"github.com/bruceblink/sendmer/internal/transport"
)

// eventLog collects events from any goroutine for later inspection.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) Emit(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []event.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.State, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.State
	}
	return out
}

func (l *eventLog) snapshot() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}

// chdir switches the working directory for one test and returns the
// resolved cwd. Send sessions create their working directory under cwd, so
// tests point cwd at a scratch dir.
func chdir(t *testing.T, dir string) string {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	return cwd
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func seedCollection(t *testing.T, s *store.Store, files map[string][]byte) (blob.Hash, *store.Tag) {
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

func craftTicket(t *testing.T, root blob.Hash, direct ...string) *ticket.Ticket {
	t.Helper()
	secret, err := transport.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	_, id, err := transport.KeyFromSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	return ticket.New(transport.NodeAddr{ID: id, Direct: direct}, root)
}

// discardFrames swallows n length-prefixed frames without decoding them.
func discardFrames(c net.Conn, n int) {
	for i := 0; i < n; i++ {
		var head [4]byte
		if _, err := io.ReadFull(c, head[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(head[:]))
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}
	}
}

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// treeBytes maps every regular file under root to its content, keyed by the
// slash-separated relative path.
func treeBytes(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func recvDirs(t *testing.T, tmp string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(tmp, ".sendmer-recv-*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

// TestSendReceiveFile shares a single small file over loopback and pulls it
// back through the full pipeline: import, ticket, sizes negotiation, fetch,
// export. Session directories on both sides must be gone afterwards.
func TestSendReceiveFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := t.TempDir()
	data := make([]byte, 100)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "somefile.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	sendBase := chdir(t, t.TempDir())

	senderLog := &eventLog{}
	share, err := transfer.Send(ctx, filepath.Join(src, "somefile.bin"), transfer.SendOptions{
		BindAddr: "127.0.0.1:0",
		Sink:     senderLog,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer share.Close()

	if share.NumFiles != 1 || share.TotalSize != 100 || share.IsDir {
		t.Fatalf("share = %d files, %d bytes, dir=%v; want 1 file, 100 bytes", share.NumFiles, share.TotalSize, share.IsDir)
	}
	if share.Ticket.Format != ticket.FormatHashSeq {
		t.Fatalf("ticket format = %q, want %q", share.Ticket.Format, ticket.FormatHashSeq)
	}
	entries := share.Collection.Entries()
	if len(entries) != 1 || entries[0].Name != "somefile.bin" {
		t.Fatalf("collection entries = %+v, want one somefile.bin", entries)
	}
	if entries[0].Hash != blob.HashBytes(data) {
		t.Fatal("collection entry does not hash the source bytes")
	}
	var senderProgress int
	for _, ev := range senderLog.snapshot() {
		if ev.Role == event.RoleSender && ev.State == event.StateProgress {
			senderProgress++
		}
	}
	if senderProgress == 0 {
		t.Fatal("import emitted no sender progress events")
	}
	work, err := filepath.Glob(filepath.Join(sendBase, ".sendmer-send-*"))
	if err != nil || len(work) != 1 {
		t.Fatalf("send session dirs = %v, %v; want exactly one", work, err)
	}

	recvTmp := t.TempDir()
	t.Setenv("TMPDIR", recvTmp)
	out := t.TempDir()
	recvLog := &eventLog{}
	res, err := transfer.Receive(ctx, share.Ticket.String(), transfer.ReceiveOptions{
		OutputDir: out,
		Sink:      recvLog,
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if res.Message != "Downloaded 1 files, 100 bytes" {
		t.Fatalf("message = %q", res.Message)
	}
	if res.Files != 1 || res.Bytes != 100 || res.FilePath != out {
		t.Fatalf("result = %+v", res)
	}
	got, err := os.ReadFile(filepath.Join(out, "somefile.bin"))
	if err != nil {
		t.Fatalf("exported file: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}

	wantStates := []event.State{
		event.StateStarted,
		event.StateProgress,
		event.StateProgress,
		event.StateFileNames,
		event.StateCompleted,
	}
	if diff := cmp.Diff(wantStates, recvLog.states()); diff != "" {
		t.Fatalf("receiver states (-want +got):\n%s", diff)
	}
	evs := recvLog.snapshot()
	if evs[1].Processed != 0 || evs[1].Total != 100 {
		t.Fatalf("initial progress = %d/%d, want 0/100", evs[1].Processed, evs[1].Total)
	}
	if evs[2].Processed != 100 || evs[2].Total != 100 {
		t.Fatalf("final progress = %d/%d, want 100/100", evs[2].Processed, evs[2].Total)
	}
	if diff := cmp.Diff([]string{"somefile.bin"}, evs[3].FileNames); diff != "" {
		t.Fatalf("file names (-want +got):\n%s", diff)
	}

	if dirs := recvDirs(t, recvTmp); len(dirs) != 0 {
		t.Fatalf("receive session dirs left behind: %v", dirs)
	}
	if err := share.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	work, err = filepath.Glob(filepath.Join(sendBase, ".sendmer-send-*"))
	if err != nil || len(work) != 0 {
		t.Fatalf("send session dirs after Close = %v, %v; want none", work, err)
	}
}

// TestSendReceiveDirTree shares a nested directory of 125 files with sizes
// from zero to a few hundred bytes and checks the receiver reproduces the
// tree byte for byte under the shared directory's name.
func TestSendReceiveDirTree(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	src := t.TempDir()
	dataDir := filepath.Join(src, "data")
	var total uint64
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			dir := filepath.Join(dataDir, fmt.Sprintf("dir-%d", i), fmt.Sprintf("subdir-%d", j))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			for k := 0; k < 5; k++ {
				size := i*100 + j*10 + k
				total += uint64(size)
				path := filepath.Join(dir, fmt.Sprintf("file-%d", k))
				if err := os.WriteFile(path, patternBytes(size), 0o644); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	chdir(t, t.TempDir())
	share, err := transfer.Send(ctx, dataDir, transfer.SendOptions{BindAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer share.Close()

	if share.NumFiles != 125 || share.TotalSize != total || !share.IsDir {
		t.Fatalf("share = %d files, %d bytes, dir=%v; want 125 files, %d bytes", share.NumFiles, share.TotalSize, share.IsDir, total)
	}
	names := share.Collection.Names()
	if !sort.StringsAreSorted(names) {
		t.Fatal("collection names are not sorted")
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "data/") {
			t.Fatalf("entry %q does not start with the shared directory name", name)
		}
	}

	t.Setenv("TMPDIR", t.TempDir())
	out := t.TempDir()
	res, err := transfer.Receive(ctx, share.Ticket.String(), transfer.ReceiveOptions{OutputDir: out})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	want := fmt.Sprintf("Downloaded 125 files, %d bytes", total)
	if res.Message != want {
		t.Fatalf("message = %q, want %q", res.Message, want)
	}
	if diff := cmp.Diff(treeBytes(t, dataDir), treeBytes(t, filepath.Join(out, "data"))); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

// TestReceiveAlreadyComplete seeds the session store with the whole transfer
// up front. The receive must succeed without any network activity, report
// the locally held payload size, and still export the files.
func TestReceiveAlreadyComplete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	files := map[string][]byte{
		"report/a.txt": []byte("alpha"),
		"report/b.txt": []byte("beta!"),
	}
	c := &blob.Collection{}
	for name, data := range files {
		c.Add(name, blob.HashBytes(data))
	}
	c.SortByName()
	meta, err := c.MarshalMeta()
	if err != nil {
		t.Fatal(err)
	}
	seq := c.BuildSeq(blob.HashBytes(meta))
	root := blob.HashBytes(seq.Bytes())

	workDir := filepath.Join(tmp, ".sendmer-recv-"+root.String())
	st, err := store.Open(workDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, data := range files {
		if _, err := st.PutBytes(data); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.PutBytes(meta); err != nil {
		t.Fatal(err)
	}
	if _, err := st.PutBytes(seq.Bytes()); err != nil {
		t.Fatal(err)
	}

	// The ticket points nowhere; a network attempt would fail loudly.
	tk := craftTicket(t, root)
	out := t.TempDir()
	sink := &eventLog{}
	res, err := transfer.Receive(ctx, tk.String(), transfer.ReceiveOptions{OutputDir: out, Sink: sink})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if res.Files != 2 || res.Bytes != 10 {
		t.Fatalf("result = %d files, %d bytes; want 2 files, 10 bytes", res.Files, res.Bytes)
	}
	if res.Message != "Downloaded 2 files, 10 bytes" {
		t.Fatalf("message = %q", res.Message)
	}
	for name, data := range files {
		got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(name)))
		if err != nil || string(got) != string(data) {
			t.Fatalf("exported %s = %q, %v; want %q", name, got, err, data)
		}
	}

	wantStates := []event.State{
		event.StateStarted,
		event.StateCompleted,
		event.StateFileNames,
		event.StateCompleted,
	}
	if diff := cmp.Diff(wantStates, sink.states()); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}
	if dirs := recvDirs(t, tmp); len(dirs) != 0 {
		t.Fatalf("session dirs left behind: %v", dirs)
	}
}

// TestReceiveSizesRetry fails the first two size negotiations by dropping
// the connection after the request frame, then serves normally. The receive
// must recover on the third attempt over a fresh connection.
func TestReceiveSizesRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sender := newStore(t)
	root, tag := seedCollection(t, sender, map[string][]byte{"retry.bin": patternBytes(2048)})
	defer tag.Drop()
	provider := transport.NewProvider(sender, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var conns atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if conns.Add(1) <= 2 {
				go func(c net.Conn) {
					discardFrames(c, 2)
					_ = c.Close()
				}(c)
				continue
			}
			go provider.ServeConn(ctx, transport.NewNetConn(c, ""))
		}
	}()

	tk := craftTicket(t, root, ln.Addr().String())
	t.Setenv("TMPDIR", t.TempDir())
	out := t.TempDir()
	res, err := transfer.Receive(ctx, tk.String(), transfer.ReceiveOptions{OutputDir: out})
	if err != nil {
		t.Fatalf("Receive after flaky negotiations: %v", err)
	}
	if res.Files != 1 || res.Bytes != 2048 {
		t.Fatalf("result = %d files, %d bytes; want 1 file, 2048 bytes", res.Files, res.Bytes)
	}
	got, err := os.ReadFile(filepath.Join(out, "retry.bin"))
	if err != nil || len(got) != 2048 {
		t.Fatalf("exported file = %d bytes, %v; want 2048", len(got), err)
	}

	// Initial connection, two reconnects for the retries, one for the get.
	if n := conns.Load(); n != 4 {
		t.Fatalf("connections = %d, want 4", n)
	}
}

// TestReceiveSizesRetryExhausted drops every negotiation attempt. After
// three tries the last typed error must surface, the linear backoff must
// have been honored, and the session directory must be gone.
func TestReceiveSizesRetryExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var conns atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func(c net.Conn) {
				discardFrames(c, 2)
				_ = c.Close()
			}(c)
		}
	}()

	root := blob.HashBytes([]byte("never served"))
	tk := craftTicket(t, root, ln.Addr().String())
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	started := time.Now()
	_, err = transfer.Receive(ctx, tk.String(), transfer.ReceiveOptions{OutputDir: t.TempDir()})
	elapsed := time.Since(started)
	if err == nil {
		t.Fatal("Receive succeeded against a dead provider")
	}
	var ge *store.GetError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want a typed get error", err)
	}
	if ge.Kind != store.KindHeader {
		t.Fatalf("error kind = %v, want header", ge.Kind)
	}
	if n := conns.Load(); n != 3 {
		t.Fatalf("connections = %d, want 3", n)
	}
	if elapsed < 700*time.Millisecond {
		t.Fatalf("retries finished in %v, backoff not honored", elapsed)
	}
	if dirs := recvDirs(t, tmp); len(dirs) != 0 {
		t.Fatalf("session dirs left behind: %v", dirs)
	}
}

// TestReceiveConnectFailsImmediately hits an address nobody listens on. The
// failure must be a connection error without burning retry attempts.
func TestReceiveConnectFailsImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Bind and close to get an address that refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tk := craftTicket(t, blob.HashBytes([]byte("gone")), addr)
	t.Setenv("TMPDIR", t.TempDir())

	started := time.Now()
	_, err = transfer.Receive(ctx, tk.String(), transfer.ReceiveOptions{OutputDir: t.TempDir()})
	if err == nil {
		t.Fatal("Receive succeeded without a provider")
	}
	var ge *store.GetError
	if !errors.As(err, &ge) || ge.Kind != store.KindConnection {
		t.Fatalf("err = %v, want connection get error", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("connect failure took %v, should not retry", elapsed)
	}
}

// TestReceiveCancelledMidTransfer parks the receiver on a provider that
// never answers and cancels. The distinct cancellation error must surface
// and the session directory must be removed.
func TestReceiveCancelledMidTransfer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// Swallow the handshake and request, then leave the peer
			// hanging.
			go discardFrames(c, 2)
		}
	}()

	root := blob.HashBytes([]byte("black hole"))
	tk := craftTicket(t, root, ln.Addr().String())
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err = transfer.Receive(ctx, tk.String(), transfer.ReceiveOptions{OutputDir: t.TempDir()})
	if !errors.Is(err, transfer.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if dirs := recvDirs(t, tmp); len(dirs) != 0 {
		t.Fatalf("session dirs left behind after cancel: %v", dirs)
	}
}

// TestReceiveExportConflict pre-creates one of the target paths. The export
// must stop at the conflict: earlier entries land, the existing file keeps
// its content, later entries are never written.
func TestReceiveExportConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := t.TempDir()
	docs := filepath.Join(src, "docs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string]string{"a.txt": "alpha", "b.txt": "bravo", "c.txt": "charlie"} {
		if err := os.WriteFile(filepath.Join(docs, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	chdir(t, t.TempDir())
	share, err := transfer.Send(ctx, docs, transfer.SendOptions{BindAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer share.Close()

	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "docs", "b.txt"), []byte("do not touch"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TMPDIR", t.TempDir())
	sink := &eventLog{}
	_, err = transfer.Receive(ctx, share.Ticket.String(), transfer.ReceiveOptions{OutputDir: out, Sink: sink})
	var conflict *transfer.ExportConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want export conflict", err)
	}
	if want := filepath.Join(out, "docs", "b.txt"); conflict.Target != want {
		t.Fatalf("conflict target = %q, want %q", conflict.Target, want)
	}

	got, err := os.ReadFile(filepath.Join(out, "docs", "b.txt"))
	if err != nil || string(got) != "do not touch" {
		t.Fatalf("pre-existing file changed: %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(out, "docs", "a.txt"))
	if err != nil || string(got) != "alpha" {
		t.Fatalf("entry before the conflict missing: %q, %v", got, err)
	}
	if _, err := os.Lstat(filepath.Join(out, "docs", "c.txt")); !os.IsNotExist(err) {
		t.Fatalf("entry after the conflict was written: %v", err)
	}

	states := sink.states()
	if len(states) == 0 || states[len(states)-1] != event.StateFailed {
		t.Fatalf("states = %v, want trailing failed", states)
	}
}

// TestSendRefusesCurrentDir shares must never point at the directory that
// would hold the session store.
func TestSendRefusesCurrentDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cwd := chdir(t, t.TempDir())
	if _, err := transfer.Send(ctx, ".", transfer.SendOptions{}); !errors.Is(err, transfer.ErrShareCurrentDir) {
		t.Fatalf("err = %v, want ErrShareCurrentDir", err)
	}
	if _, err := transfer.Send(ctx, cwd, transfer.SendOptions{}); !errors.Is(err, transfer.ErrShareCurrentDir) {
		t.Fatalf("err = %v, want ErrShareCurrentDir", err)
	}
}

// TestSendMissingPath fails the import and must leave no session directory
// behind.
func TestSendMissingPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	base := chdir(t, t.TempDir())
	_, err := transfer.Send(ctx, filepath.Join(base, "nope"), transfer.SendOptions{})
	var ie *transfer.ImportError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want import error", err)
	}
	work, err := filepath.Glob(filepath.Join(base, ".sendmer-send-*"))
	if err != nil || len(work) != 0 {
		t.Fatalf("session dirs after failed send = %v, %v; want none", work, err)
	}
}

func TestReceiveRejectsBadTicket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := transfer.Receive(ctx, "not a ticket", transfer.ReceiveOptions{OutputDir: t.TempDir()}); err == nil {
		t.Fatal("Receive accepted a malformed ticket")
	}
}
