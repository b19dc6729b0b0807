// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"code.hybscloud.com/pq"
	"code.hybscloud.com/pq/internal/header"
)

func newQueue(t *testing.T, nproducts int) *pq.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := pq.NewCreate(path, 1<<20, nproducts).Align(64).Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// newTinyQueue sizes the data segment to hold exactly two 64-byte products
// (default 8-byte alignment, "TEST" origin, a 2-byte ident, an 8-byte
// payload) and no more, for exercising the eviction path (spec §4.5/§4.6).
func newTinyQueue(t *testing.T) *pq.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.pq")
	q, err := pq.NewCreate(path, 200, 8).Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// tinyPayload returns a distinct 8-byte payload per n, so each product in
// the eviction tests gets a distinct signature (all are the same length,
// to keep the data-segment math in newTinyQueue's doc comment exact).
func tinyPayload(n byte) []byte {
	return []byte{n, n, n, n, n, n, n, n}
}

func insert(t *testing.T, q *pq.Queue, ident string, sec int64, payload []byte) pq.Signature {
	t.Helper()
	sig := pq.SignatureOf(payload)
	now := header.Timestamp{Sec: sec}
	if err := q.Insert(payload, sig, "TEST", ident, 0, 0, now); err != nil {
		t.Fatalf("Insert(%s): %v", ident, err)
	}
	return sig
}

func TestCreateInsertSequence(t *testing.T) {
	q := newQueue(t, 64)
	insert(t, q, "p1", 100, []byte("hello"))
	insert(t, q, "p2", 200, []byte("world"))
	insert(t, q, "p3", 150, []byte("middle"))

	seq := q.Sequence(nil)
	var order []string
	for {
		info, payload, err := seq.Next()
		if errors.Is(err, pq.ErrQueueEnd) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		order = append(order, info.Ident+":"+string(payload))
	}
	want := []string{"p1:hello", "p3:middle", "p2:world"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestInsertRejectsDuplicateSignature(t *testing.T) {
	q := newQueue(t, 64)
	sig := insert(t, q, "p1", 100, []byte("payload"))

	err := q.Insert([]byte("payload"), sig, "TEST", "p1-again", 0, 0, header.Timestamp{Sec: 101})
	if !errors.Is(err, pq.ErrDuplicate) {
		t.Fatalf("Insert duplicate = %v, want ErrDuplicate", err)
	}
}

func TestInsertTooBigRejected(t *testing.T) {
	q := newQueue(t, 64)
	big := make([]byte, 10<<20)
	err := q.Insert(big, pq.SignatureOf(big), "TEST", "huge", 0, 0, header.Timestamp{Sec: 1})
	if !errors.Is(err, pq.ErrTooBig) {
		t.Fatalf("Insert oversized = %v, want ErrTooBig", err)
	}
}

func TestDeleteBySignature(t *testing.T) {
	q := newQueue(t, 64)
	sig := insert(t, q, "p1", 100, []byte("gone soon"))
	insert(t, q, "p2", 200, []byte("stays"))

	if err := q.DeleteBySignature(sig); err != nil {
		t.Fatalf("DeleteBySignature: %v", err)
	}
	if err := q.DeleteBySignature(sig); !errors.Is(err, pq.ErrNotFound) {
		t.Fatalf("DeleteBySignature again = %v, want ErrNotFound", err)
	}

	seq := q.Sequence(nil)
	info, _, err := seq.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if info.Ident != "p2" {
		t.Fatalf("remaining product = %q, want p2", info.Ident)
	}
	if _, _, err := seq.Next(); !errors.Is(err, pq.ErrQueueEnd) {
		t.Fatalf("Next after last = %v, want ErrQueueEnd", err)
	}
}

func TestLastReturnsMostRecentlyInserted(t *testing.T) {
	q := newQueue(t, 64)
	insert(t, q, "p1", 100, []byte("a"))
	insert(t, q, "p2", 50, []byte("b")) // inserted second but stamped earlier

	info, _, err := q.Last()
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	// Last() follows insertion-time order within the index, not wall time;
	// whichever Add() call actually lands at the tail of the time index
	// must be the one reported.
	if info.Ident != "p1" && info.Ident != "p2" {
		t.Fatalf("Last().Ident = %q, want p1 or p2", info.Ident)
	}
}

func TestReserveCommitDiscard(t *testing.T) {
	q := newQueue(t, 64)

	res, err := q.Reserve(5, "TEST", "reserved")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(res.Payload(), "abcde")
	if err := q.Commit(res, 0, 0, header.Timestamp{Sec: 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res2, err := q.Reserve(3, "TEST", "discarded")
	if err != nil {
		t.Fatalf("Reserve #2: %v", err)
	}
	if err := q.Discard(res2); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	seq := q.Sequence(nil)
	info, payload, err := seq.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if info.Ident != "reserved" || string(payload) != "abcde" {
		t.Fatalf("got ident=%q payload=%q, want reserved/abcde", info.Ident, payload)
	}
	if _, _, err := seq.Next(); !errors.Is(err, pq.ErrQueueEnd) {
		t.Fatal("discarded reservation unexpectedly visible in sequence")
	}
}

func TestClassFilterSkipsNonMatching(t *testing.T) {
	q := newQueue(t, 64)
	insert(t, q, "a", 10, []byte("1"))
	insert(t, q, "b", 20, []byte("2"))
	insert(t, q, "c", 30, []byte("3"))

	seq := q.Sequence(func(info pq.Info) bool { return info.Ident == "b" })
	info, _, err := seq.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if info.Ident != "b" {
		t.Fatalf("filtered Next = %q, want b", info.Ident)
	}
	if _, _, err := seq.Next(); !errors.Is(err, pq.ErrQueueEnd) {
		t.Fatal("filter matched more than one product")
	}
}

func TestReopenExistingQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.pq")
	q, err := pq.NewCreate(path, 1<<20, 32).Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sig := insert(t, q, "persisted", 100, []byte("still here"))
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := pq.NewOpen(path).Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q2.Close()

	info, ok := lookupSignature(t, q2, sig)
	if !ok {
		t.Fatal("reopened queue lost the signature index entry")
	}
	if info.Ident != "persisted" {
		t.Fatalf("lookupSignature().Ident = %q, want persisted", info.Ident)
	}

	seq := q2.Sequence(nil)
	info, payload, err := seq.Next()
	if err != nil {
		t.Fatalf("Next after reopen: %v", err)
	}
	if info.Ident != "persisted" || string(payload) != "still here" {
		t.Fatalf("got ident=%q payload=%q after reopen", info.Ident, payload)
	}
}

func lookupSignature(t *testing.T, q *pq.Queue, sig pq.Signature) (pq.Info, bool) {
	t.Helper()
	var got pq.Info
	err := q.ProcessProduct(sig, func(info pq.Info, _ []byte) error {
		got = info
		return nil
	})
	if errors.Is(err, pq.ErrNotFound) {
		return pq.Info{}, false
	}
	if err != nil {
		t.Fatalf("ProcessProduct: %v", err)
	}
	return got, true
}

func TestProcessProductRoundTrip(t *testing.T) {
	q := newQueue(t, 64)
	sig := insert(t, q, "p1", 100, []byte("A"))

	var gotIdent, gotPayload string
	err := q.ProcessProduct(sig, func(info pq.Info, payload []byte) error {
		gotIdent = info.Ident
		gotPayload = string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessProduct: %v", err)
	}
	if gotIdent != "p1" || gotPayload != "A" {
		t.Fatalf("ProcessProduct got ident=%q payload=%q, want p1/A", gotIdent, gotPayload)
	}

	if err := q.DeleteBySignature(sig); err != nil {
		t.Fatalf("DeleteBySignature: %v", err)
	}
	err = q.ProcessProduct(sig, func(pq.Info, []byte) error {
		t.Fatal("callback invoked for a signature that no longer exists")
		return nil
	})
	if !errors.Is(err, pq.ErrNotFound) {
		t.Fatalf("ProcessProduct(deleted signature) = %v, want ErrNotFound", err)
	}
}

func TestInsertRejectsZeroByteProduct(t *testing.T) {
	q := newQueue(t, 64)
	err := q.Insert(nil, pq.SignatureOf(nil), "TEST", "empty", 0, 0, header.Timestamp{Sec: 1})
	if !errors.Is(err, pq.ErrEmpty) {
		t.Fatalf("Insert(zero-byte payload) = %v, want ErrEmpty", err)
	}
}

func TestReserveRejectsZeroByteSize(t *testing.T) {
	q := newQueue(t, 64)
	if _, err := q.Reserve(0, "TEST", "empty"); !errors.Is(err, pq.ErrEmpty) {
		t.Fatalf("Reserve(0) = %v, want ErrEmpty", err)
	}
}

// TestEvictionForcesRoomAndFollowsFIFOOrder fills a data segment sized for
// exactly two products, then inserts a third: the allocator must evict the
// single oldest resident (spec §4.5 "rpqe_new" / §4.6 "del_oldest") and
// nothing else, in FIFO order.
func TestEvictionForcesRoomAndFollowsFIFOOrder(t *testing.T) {
	q := newTinyQueue(t)
	sig1 := insert(t, q, "e1", 100, tinyPayload(1))
	sig2 := insert(t, q, "e2", 200, tinyPayload(2))

	if q.IsFull() {
		t.Fatal("IsFull before the data segment was actually exhausted")
	}

	sig3 := insert(t, q, "e3", 300, tinyPayload(3))

	if !q.IsFull() {
		t.Fatal("IsFull after a forced eviction = false, want true")
	}
	if stats := q.Stats(); stats.Nproducts != 2 {
		t.Fatalf("Nproducts after forced eviction = %d, want 2", stats.Nproducts)
	}

	if err := q.ProcessProduct(sig1, func(pq.Info, []byte) error { return nil }); !errors.Is(err, pq.ErrNotFound) {
		t.Fatalf("ProcessProduct(evicted oldest) = %v, want ErrNotFound", err)
	}
	for sig, wantIdent := range map[pq.Signature]string{sig2: "e2", sig3: "e3"} {
		var gotIdent string
		if err := q.ProcessProduct(sig, func(info pq.Info, _ []byte) error {
			gotIdent = info.Ident
			return nil
		}); err != nil {
			t.Fatalf("ProcessProduct(%s): %v", wantIdent, err)
		}
		if gotIdent != wantIdent {
			t.Fatalf("ProcessProduct ident = %q, want %q", gotIdent, wantIdent)
		}
	}
}

// TestEvictionTracksMinVirtualResidenceTime is end-to-end scenario 3: the
// eviction triggered by inserting a third product must charge the evicted
// product's MVRT sample against the insert's own timestamp (t3), not the
// previous insert's timestamp (t2) (spec §4.7).
func TestEvictionTracksMinVirtualResidenceTime(t *testing.T) {
	q := newTinyQueue(t)
	insert(t, q, "e1", 100, tinyPayload(1)) // t1
	insert(t, q, "e2", 200, tinyPayload(2)) // t2
	insert(t, q, "e3", 300, tinyPayload(3)) // t3: forces eviction of e1

	mvrt, slots, bytes := q.GetMinVirtResTimeMetrics()
	wantUsec := int64(300-100) * 1_000_000
	if got := mvrt.Sub(header.Timestamp{}); got != wantUsec {
		t.Fatalf("MinVirtResTime = %d usec, want %d usec (t3-t1, not t2-t1)", got, wantUsec)
	}
	// Sampled the instant e1 was freed, before e3's own allocation: only
	// e2 is still resident at that point.
	if slots != 1 {
		t.Fatalf("MVRT slots = %d, want 1 (only e2 resident at eviction time)", slots)
	}
	if bytes == 0 {
		t.Fatal("MVRT bytes = 0, want the bytes still in use at eviction time")
	}
}

// TestEvictionAllLockedWhenEveryCandidateIsLockedElsewhere is end-to-end
// scenario 4 ("AllLocked"): every resident product is locked by a genuinely
// separate OS process (advisory fcntl locks are scoped per-process, so a
// second lock attempt from this same process would never conflict), so the
// insert that needs to evict must fail with ErrAllLocked and leave the
// queue's state untouched.
func TestEvictionAllLockedWhenEveryCandidateIsLockedElsewhere(t *testing.T) {
	if path := os.Getenv(allLockedHelperEnv); path != "" {
		runAllLockedHelperProcess(path)
		return
	}

	path := filepath.Join(t.TempDir(), "alllocked.pq")
	q, err := pq.NewCreate(path, 200, 8).Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer q.Close()

	insert(t, q, "e1", 100, tinyPayload(1))
	insert(t, q, "e2", 200, tinyPayload(2))

	lockedMarker := path + ".locked"
	releaseMarker := path + ".release"

	cmd := exec.Command(os.Args[0], "-test.run=^TestEvictionAllLockedWhenEveryCandidateIsLockedElsewhere$")
	cmd.Env = append(os.Environ(), allLockedHelperEnv+"="+path)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start lock-holder process: %v", err)
	}
	defer func() {
		os.WriteFile(releaseMarker, []byte("go"), 0644)
		cmd.Wait()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(lockedMarker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the lock-holder process to lock both products")
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = q.Insert([]byte("99999999"), pq.SignatureOf([]byte("99999999")), "TEST", "e3", 0, 0, header.Timestamp{Sec: 300})
	if !errors.Is(err, pq.ErrAllLocked) {
		t.Fatalf("Insert with every eviction candidate locked elsewhere = %v, want ErrAllLocked", err)
	}
	if stats := q.Stats(); stats.Nproducts != 2 {
		t.Fatalf("Nproducts after a failed eviction = %d, want 2 (state left untouched)", stats.Nproducts)
	}
}

const allLockedHelperEnv = "PQ_ALLLOCKED_HELPER_PATH"

// runAllLockedHelperProcess is the re-exec'd other half of
// TestEvictionAllLockedWhenEveryCandidateIsLockedElsewhere. It opens the
// same queue file from a separate process and holds an exclusive lock on
// every resident product's data region until told to release, so the
// parent's eviction scan sees every candidate as locked.
func runAllLockedHelperProcess(path string) {
	q, err := pq.NewOpen(path).Open()
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper: open:", err)
		os.Exit(1)
	}
	defer q.Close()

	first := q.Sequence(nil)
	if _, _, err := first.NextLocked(); err != nil {
		fmt.Fprintln(os.Stderr, "helper: lock first product:", err)
		os.Exit(1)
	}
	second := q.Sequence(nil)
	if _, _, err := second.Next(); err != nil {
		fmt.Fprintln(os.Stderr, "helper: skip to second product:", err)
		os.Exit(1)
	}
	if _, _, err := second.NextLocked(); err != nil {
		fmt.Fprintln(os.Stderr, "helper: lock second product:", err)
		os.Exit(1)
	}

	if err := os.WriteFile(path+".locked", []byte("go"), 0644); err != nil {
		fmt.Fprintln(os.Stderr, "helper: write marker:", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path + ".release"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignatureString(t *testing.T) {
	payload := []byte("deterministic")
	sig := pq.SignatureOf(payload)
	s := pq.SignatureString(sig)
	if len(s) != 32 {
		t.Fatalf("SignatureString length = %d, want 32", len(s))
	}
	if pq.SignatureString(sig) != s {
		t.Fatal("SignatureString is not deterministic")
	}
}

func TestCursorTokenRoundTrip(t *testing.T) {
	q := newQueue(t, 16)
	insert(t, q, "p1", 42, []byte("x"))

	seq := q.Sequence(nil)
	if _, _, err := seq.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	tok := seq.Token()
	s := tok.String()

	got, err := pq.ParseCursorToken(s)
	if err != nil {
		t.Fatalf("ParseCursorToken: %v", err)
	}
	if got != tok {
		t.Fatalf("ParseCursorToken round trip = %+v, want %+v", got, tok)
	}
}

func TestStatsReflectsInsertions(t *testing.T) {
	q := newQueue(t, 64)
	insert(t, q, "p1", 1, []byte("x"))
	insert(t, q, "p2", 2, []byte("y"))

	stats := q.Stats()
	if stats.Nproducts != 2 {
		t.Fatalf("Stats().Nproducts = %d, want 2", stats.Nproducts)
	}
	if stats.String() == "" {
		t.Fatal("Stats().String() is empty")
	}
}

func TestWriteCountTracksOpenHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wc.pq")
	q, err := pq.NewCreate(path, 1<<16, 16).Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wc, err := pq.GetWriteCount(path)
	if err != nil {
		t.Fatalf("GetWriteCount: %v", err)
	}
	if wc != 1 {
		t.Fatalf("GetWriteCount = %d, want 1", wc)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wc, err = pq.GetWriteCount(path)
	if err != nil {
		t.Fatalf("GetWriteCount after close: %v", err)
	}
	if wc != 0 {
		t.Fatalf("GetWriteCount after close = %d, want 0", wc)
	}
}
