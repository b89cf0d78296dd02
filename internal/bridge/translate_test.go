package bridge

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ReplaceScriptIDs", func() {
	resolve := func(id string) (string, bool) {
		if id == "42" {
			return "abc", true
		}
		return "", false
	}

	It("rewrites known ids and leaves every other byte alone", func() {
		in := `{"callFrames":[{"location":{"scriptId":"42","lineNumber":1}},{"location":{"scriptId":"43"}}],"note":"scriptId 42","x":"\"scriptId\": \"42\""}`
		out := ReplaceScriptIDs([]byte(in), resolve)
		Expect(string(out)).To(Equal(`{"callFrames":[{"location":{"scriptId":"abc","lineNumber":1}},{"location":{"scriptId":"43"}}],"note":"scriptId 42","x":"\"scriptId\": \"42\""}`))
	})

	It("escapes external ids", func() {
		out := ReplaceScriptIDs([]byte(`{"scriptId":"1"}`), func(string) (string, bool) { return `a"b`, true })
		Expect(out).To(MatchJSON(`{"scriptId":"a\"b"}`))
	})
})

var _ = Describe("payload rewrites", func() {
	It("renames skipped to skip", func() {
		out, err := RenameSkipField(json.RawMessage(`{"skipped":true}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchJSON(`{"skip":true}`))
	})

	It("defaults a missing skipped to false", func() {
		out, err := RenameSkipField(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchJSON(`{"skip":false}`))
	})

	It("forces ownProperties", func() {
		out, err := ForceOwnProperties(json.RawMessage(`{"objectId":"1","ownProperties":false}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchJSON(`{"objectId":"1","ownProperties":true}`))
	})
})

var _ = Describe("ScriptURLs", func() {
	It("joins domain, prefix and id", func() {
		urls := NewScriptURLs("http://app/", "user1")
		Expect(urls.URL("hello-world")).To(Equal("http://app//user1/hello-world"))
		Expect(urls.ScriptID("http://app//user1/hello-world")).To(Equal("hello-world"))
	})

	It("omits an empty prefix", func() {
		urls := NewScriptURLs("", "")
		Expect(urls.URL("x")).To(Equal("http://app/x"))
		Expect(urls.ScriptID("x")).To(Equal("x"))
	})

	It("reports prefix changes", func() {
		urls := NewScriptURLs("http://app/", "a")
		Expect(urls.SetPathPrefix("a")).To(BeFalse())
		Expect(urls.SetPathPrefix("b")).To(BeTrue())
		Expect(urls.PathPrefix()).To(Equal("b"))
	})
})

var _ = Describe("BreakpointID", func() {
	It("round trips", func() {
		id := BreakpointID("some:script", 10, 4)
		Expect(id).To(Equal("1:10:4:some:script"))
		script, line, col, err := ParseBreakpointID(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(script).To(Equal("some:script"))
		Expect(line).To(Equal(10))
		Expect(col).To(Equal(4))
	})

	It("rejects foreign ids", func() {
		_, _, _, err := ParseBreakpointID("2:1:1:x")
		Expect(err).To(HaveOccurred())
		_, _, _, err = ParseBreakpointID("garbage")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("BreakpointStore", func() {
	It("keeps the first owner and removes per session", func() {
		s := NewBreakpointStore()
		Expect(s.Add("b", "s1")).To(BeTrue())
		Expect(s.Add("b", "s2")).To(BeFalse())
		Expect(s.Add("a", "s1")).To(BeTrue())
		Expect(s.Add("c", "s2")).To(BeTrue())
		Expect(s.RemoveAll("s1")).To(Equal([]string{"a", "b"}))
		Expect(s.Len()).To(Equal(1))
		Expect(s.Remove("c")).To(BeTrue())
		Expect(s.Remove("c")).To(BeFalse())
	})
})

var _ = Describe("PendingTable", func() {
	It("ignores responses for entries that were never dispatched", func() {
		t := NewPendingTable(nil)
		p := t.Register("Runtime.evaluate", "s1")
		Expect(t.Fulfil(p.ID(), json.RawMessage(`{}`), nil)).To(BeFalse())
		Expect(t.MarkDispatched(p.ID())).To(BeTrue())
		Expect(t.MarkDispatched(p.ID())).To(BeFalse())
		Expect(t.Fulfil(p.ID(), json.RawMessage(`{"ok":1}`), nil)).To(BeTrue())
		Expect(t.Fulfil(p.ID(), json.RawMessage(`{"ok":2}`), nil)).To(BeFalse())

		res, err := t.AwaitAndRemove(context.Background(), p)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(MatchJSON(`{"ok":1}`))
		Expect(t.Len()).To(BeZero())
	})

	It("aborts everything a session is waiting on", func() {
		t := NewPendingTable(nil)
		mine := t.Register("a", "s1")
		theirs := t.Register("a", "s2")

		errs := make(chan error, 1)
		go func() {
			_, err := t.AwaitAndRemove(context.Background(), mine)
			errs <- err
		}()
		Expect(t.AbortSession("s1")).To(Equal(1))
		Eventually(errs, time.Second).Should(Receive(MatchError(ErrAborted)))
		Expect(theirs.Done()).NotTo(BeClosed())

		Expect(t.AbortAll()).To(Equal(1))
		Expect(theirs.Done()).To(BeClosed())
	})

	It("hands ids out from one increasing sequence", func() {
		t := NewPendingTable(nil)
		a := t.Register("x", "")
		b := t.Register("y", "")
		Expect(b.ID()).To(BeNumerically(">", a.ID()))
	})
})

var _ = Describe("keyedQueue", func() {
	It("replaces in place and drains in insertion order", func() {
		q := newKeyedQueue[int]()
		Expect(q.Put("a", 1)).To(BeFalse())
		Expect(q.Put("b", 2)).To(BeFalse())
		Expect(q.Put("a", 3)).To(BeTrue())
		Expect(q.Drain()).To(Equal([]int{3, 2}))
		Expect(q.Len()).To(BeZero())
		Expect(q.Drain()).To(BeNil())
	})
})
