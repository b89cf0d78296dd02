package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
)

func TestBridge(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bridge Suite")
}

type fakeInspector struct {
	mu       sync.Mutex
	messages []string
	panicOn  string
}

func (f *fakeInspector) DispatchProtocolMessage(message string) {
	if f.panicOn != "" && gjson.Get(message, "method").String() == f.panicOn {
		panic("wrong thread")
	}
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.mu.Unlock()
}

func (f *fakeInspector) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeInspector) Methods() []string {
	var methods []string
	for _, m := range f.Messages() {
		methods = append(methods, gjson.Get(m, "method").String())
	}
	return methods
}

func (f *fakeInspector) Last(method string) gjson.Result {
	msgs := f.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if gjson.Get(msgs[i], "method").String() == method {
			return gjson.Parse(msgs[i])
		}
	}
	return gjson.Result{}
}

// inlineExecutor runs tasks on the submitting goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) error {
	task()
	return nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error {
	return errors.New("stopped")
}

type sent struct {
	Session string
	Method  string
	Params  json.RawMessage
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) Notify(method string, params json.RawMessage) {
	r.NotifySession("", method, params)
}

func (r *recordingNotifier) NotifySession(session, method string, params json.RawMessage) {
	r.mu.Lock()
	r.sent = append(r.sent, sent{Session: session, Method: method, Params: params})
	r.mu.Unlock()
}

func (r *recordingNotifier) Sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recordingNotifier) Methods() []string {
	var methods []string
	for _, s := range r.Sent() {
		methods = append(methods, s.Method)
	}
	return methods
}

const pausedEvent = `{"method":"Debugger.paused","params":{"callFrames":[{"callFrameId":"0","location":{"scriptId":"7","lineNumber":2,"columnNumber":0}}],"reason":"other"}}`

var _ = Describe("Bridge", func() {
	var (
		inspector *fakeInspector
		notifier  *recordingNotifier
		b         *Bridge
	)

	pause := func() {
		b.OnEngineMessage(pausedEvent)
	}

	BeforeEach(func() {
		inspector = &fakeInspector{}
		notifier = &recordingNotifier{}
		b = New(inspector, inlineExecutor{}, Options{URLs: NewScriptURLs("http://app/", "user")})
		b.SetNotifier(notifier)
	})

	Describe("state", func() {
		It("starts disconnected and follows sessions", func() {
			Expect(b.State()).To(Equal(StateDisconnected))
			b.Connect("s1")
			Expect(b.State()).To(Equal(StateConnected))
			pause()
			Expect(b.State()).To(Equal(StatePaused))
			b.OnEngineMessage(`{"method":"Debugger.resumed","params":{}}`)
			Expect(b.State()).To(Equal(StateConnected))
			b.Disconnect("s1")
			Expect(b.State()).To(Equal(StateDisconnected))
		})

		It("does not enter Paused without a client", func() {
			pause()
			Expect(b.State()).To(Equal(StateDisconnected))
		})
	})

	Describe("SendToEngine", func() {
		It("drops pause-only messages while connected", func() {
			b.Connect("s1")
			for _, method := range []string{MethodDebuggerResume, MethodDebuggerStepOver, MethodDebuggerStepInto, MethodDebuggerStepOut} {
				b.SendToEngine(method, nil, true)
			}
			Expect(b.QueuedForEngine()).To(BeZero())
			Expect(inspector.Messages()).To(BeEmpty())
		})

		It("dispatches other messages immediately while running", func() {
			b.SendToEngine(MethodDebuggerSetBreakpointsActive, json.RawMessage(`{"active":true}`), false)
			Expect(inspector.Messages()).To(HaveLen(1))
			msg := gjson.Parse(inspector.Messages()[0])
			Expect(msg.Get("id").Int()).To(BeNumerically(">", 0))
			Expect(msg.Get("method").String()).To(Equal(MethodDebuggerSetBreakpointsActive))
			Expect(msg.Get("params.active").Bool()).To(BeTrue())
		})

		It("sends an empty object when params are missing", func() {
			b.SendToEngine(MethodDebuggerPause, nil, false)
			Expect(inspector.Last(MethodDebuggerPause).Get("params").Raw).To(Equal("{}"))
		})

		It("queues while paused keeping only the latest message per method", func() {
			b.Connect("s1")
			pause()
			b.SendToEngine(MethodDebuggerSetSkipAllPauses, json.RawMessage(`{"skip":true}`), false)
			b.SendToEngine(MethodDebuggerSetSkipAllPauses, json.RawMessage(`{"skip":false}`), false)
			b.SendToEngine(MethodDebuggerStepOver, nil, true)
			Expect(inspector.Messages()).To(BeEmpty())
			Expect(b.QueuedForEngine()).To(Equal(2))

			b.PollWhilePaused()
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerSetSkipAllPauses, MethodDebuggerStepOver}))
			Expect(inspector.Last(MethodDebuggerSetSkipAllPauses).Get("params.skip").Bool()).To(BeFalse())
			Expect(b.QueuedForEngine()).To(BeZero())
		})

		It("keeps one queued entry per breakpoint", func() {
			b.Connect("s1")
			pause()
			b.SetBreakpoint("s1", "a", 1, 0, "")
			b.SetBreakpoint("s1", "a", 2, 0, "")
			Expect(b.QueuedForEngine()).To(Equal(2))
		})

		It("sends only the last change to a breakpoint made during a pause", func() {
			b.Connect("s1")
			pause()
			id, added := b.SetBreakpoint("s1", "a", 3, 0, "")
			Expect(added).To(BeTrue())
			b.RemoveBreakpoint(id)
			_, added = b.SetBreakpoint("s1", "a", 3, 0, "")
			Expect(added).To(BeTrue())
			Expect(b.QueuedForEngine()).To(Equal(1))

			b.PollWhilePaused()
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerSetBreakpointByURL}))
			Expect(b.Breakpoints().Len()).To(Equal(1))
		})

		It("drops a breakpoint set and removed within one pause", func() {
			b.Connect("s1")
			pause()
			id, _ := b.SetBreakpoint("s1", "a", 3, 0, "")
			b.RemoveBreakpoint(id)

			b.PollWhilePaused()
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerRemoveBreakpoint}))
			Expect(b.Breakpoints().Len()).To(BeZero())
		})
	})

	Describe("PollWhilePaused", func() {
		It("resumes a pause nobody can see", func() {
			pause()
			b.PollWhilePaused()
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerResume}))
		})

		It("flushes the translated pause to clients", func() {
			b.Connect("s1")
			b.EnableDebugger("s1", nil)
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"hello-world"}}`)
			pause()
			Expect(notifier.Methods()).NotTo(ContainElement(MethodDebuggerPaused))

			b.PollWhilePaused()
			Expect(notifier.Methods()).To(ContainElement(MethodDebuggerPaused))
			last := notifier.Sent()[len(notifier.Sent())-1]
			Expect(gjson.GetBytes(last.Params, "callFrames.0.location.scriptId").String()).To(Equal("hello-world"))

			b.PollWhilePaused()
			Expect(notifier.Methods()).To(HaveLen(2))
		})

		It("sends nothing while paused with empty queues", func() {
			b.Connect("s1")
			pause()
			b.PollWhilePaused()
			b.PollWhilePaused()
			Expect(inspector.Messages()).To(BeEmpty())
		})
	})

	Describe("RequestFromEngine", func() {
		It("blocks until the matching response arrives", func() {
			b.Connect("s1")
			pause()

			var (
				result json.RawMessage
				err    error
			)
			done := make(chan struct{})
			go func() {
				defer close(done)
				ctx := WithSession(context.Background(), "s1")
				result, err = b.RequestFromEngine(ctx, MethodDebuggerEvaluateOnCallFrame, json.RawMessage(`{"callFrameId":"0","expression":"x"}`))
			}()

			Eventually(inspector.Messages).Should(HaveLen(1))
			id := gjson.Get(inspector.Messages()[0], "id").Int()
			Consistently(done, 50*time.Millisecond).ShouldNot(BeClosed())

			b.OnEngineMessage(`{"id":999,"result":{"result":{"type":"string","value":"other"}}}`)
			Consistently(done, 50*time.Millisecond).ShouldNot(BeClosed())

			b.OnEngineMessage(`{"id":` + gjson.Parse(inspector.Messages()[0]).Get("id").Raw + `,"result":{"result":{"type":"number","value":3}}}`)
			Eventually(done, time.Second).Should(BeClosed())
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(MatchJSON(`{"result":{"type":"number","value":3}}`))
			Expect(id).To(BeNumerically(">", 0))
			Expect(b.Pending().Len()).To(BeZero())
		})

		It("returns protocol errors from the engine", func() {
			done := make(chan error, 1)
			go func() {
				_, err := b.RequestFromEngine(context.Background(), MethodRuntimeEvaluate, json.RawMessage(`{"expression":"("}`))
				done <- err
			}()
			Eventually(inspector.Messages).Should(HaveLen(1))
			b.OnEngineMessage(`{"id":` + gjson.Get(inspector.Messages()[0], "id").Raw + `,"error":{"code":-32000,"message":"SyntaxError"}}`)

			var err error
			Eventually(done, time.Second).Should(Receive(&err))
			var perr *ProtocolError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Message).To(Equal("SyntaxError"))
		})

		It("gives up when the context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := b.RequestFromEngine(ctx, MethodRuntimeEvaluate, nil)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(b.Pending().Len()).To(BeZero())
		})

		It("fails fast when the engine thread is gone", func() {
			b = New(inspector, rejectingExecutor{}, Options{})
			_, err := b.RequestFromEngine(context.Background(), MethodRuntimeEvaluate, nil)
			Expect(err).To(MatchError(ContainSubstring("stopped")))
		})

		It("reports native failures instead of hanging", func() {
			inspector.panicOn = MethodRuntimeEvaluate
			_, err := b.RequestFromEngine(context.Background(), MethodRuntimeEvaluate, nil)
			Expect(err).To(MatchError(ErrNativeFailure))
		})
	})

	Describe("DispatchToEngine", func() {
		It("reuses the id of a registered request that was not sent yet", func() {
			p := b.Pending().Register(MethodRuntimeEvaluate, "s1")
			id := b.DispatchToEngine(MethodRuntimeEvaluate, nil)
			Expect(id).To(Equal(p.ID()))

			other := b.DispatchToEngine(MethodRuntimeEvaluate, nil)
			Expect(other).To(BeNumerically(">", p.ID()))
		})

		It("never matches a response to an already dispatched request", func() {
			first := b.Pending().Register(MethodRuntimeEvaluate, "s1")
			Expect(b.Pending().MarkDispatched(first.ID())).To(BeTrue())
			second := b.Pending().Register(MethodRuntimeEvaluate, "s1")

			Expect(b.DispatchToEngine(MethodRuntimeEvaluate, nil)).To(Equal(second.ID()))
			b.OnEngineMessage(`{"id":` + jsonInt(second.ID()) + `,"result":{"v":2}}`)
			Eventually(second.Done()).Should(BeClosed())
			Expect(first.Done()).NotTo(BeClosed())
		})
	})

	Describe("Disconnect", func() {
		It("releases blocked requests and leaves Paused within a bounded time", func() {
			b.Connect("s1")
			b.Connect("s2")
			pause()

			errs := make(chan error, 1)
			go func() {
				ctx := WithSession(context.Background(), "s1")
				_, err := b.RequestFromEngine(ctx, MethodDebuggerEvaluateOnCallFrame, json.RawMessage(`{"callFrameId":"0","expression":"1"}`))
				errs <- err
			}()
			Eventually(b.Pending().Len).Should(Equal(1))

			b.Disconnect("s1")
			var err error
			Eventually(errs, time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(ErrAborted))
			Expect(b.State()).To(Equal(StateConnected))

			b.PollWhilePaused()
			Expect(inspector.Last(MethodDebuggerResume).Exists()).To(BeTrue())
		})

		It("goes back to Disconnected when the last session leaves a pause", func() {
			b.Connect("s1")
			pause()
			b.Disconnect("s1")
			Expect(b.State()).To(Equal(StateDisconnected))
			b.PollWhilePaused()
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerResume}))
		})

		It("removes the session's breakpoints only", func() {
			b.Connect("s1")
			b.Connect("s2")
			mine, _ := b.SetBreakpoint("s1", "a", 3, 0, "")
			theirs, _ := b.SetBreakpoint("s2", "a", 4, 0, "")

			Expect(b.Disconnect("s1")).To(Equal([]string{mine}))
			Expect(inspector.Last(MethodDebuggerRemoveBreakpoint).Get("params.breakpointId").String()).To(Equal(mine))
			_, ok := b.Breakpoints().Owner(theirs)
			Expect(ok).To(BeTrue())
		})

		It("sends breakpoint removals before the forced resume", func() {
			b.Connect("s1")
			b.SetBreakpoint("s1", "a", 3, 0, "")
			pause()
			b.Disconnect("s1")
			b.PollWhilePaused()
			Expect(inspector.Methods()).To(Equal([]string{
				MethodDebuggerSetBreakpointByURL,
				MethodDebuggerRemoveBreakpoint,
				MethodDebuggerResume,
			}))
		})
	})

	Describe("engine events", func() {
		It("records scripts and announces each one once", func() {
			b.Connect("s1")
			Expect(b.EnableDebugger("s1", nil)).To(BeEmpty())
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"hello-world"}}`)
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"9","url":"hello-world"}}`)

			ext, ok := b.Scripts().Resolve("7")
			Expect(ok).To(BeTrue())
			Expect(ext).To(Equal("hello-world"))
			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].Session).To(Equal("s1"))
			Expect(notifier.Sent()[0].Params).To(MatchJSON(`{"scriptId":"hello-world","url":"http://app//user/hello-world"}`))
		})

		It("announces scripts only to sessions with the debugger enabled", func() {
			b.Connect("s1")
			b.Connect("s2")
			b.EnableDebugger("s1", nil)
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"hello-world"}}`)
			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].Session).To(Equal("s1"))

			Expect(b.EnableDebugger("s2", nil)).To(Equal([]string{"hello-world"}))
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"9","url":"hello-world"}}`)
			Expect(notifier.Sent()).To(HaveLen(1))
		})

		It("does not repeat a script parsed before the session enabled the debugger", func() {
			b.Connect("s1")
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"hello-world"}}`)
			Expect(notifier.Sent()).To(BeEmpty())

			Expect(b.EnableDebugger("s1", []string{"hello-world", "other", "other"})).To(Equal([]string{"hello-world", "other"}))
			Expect(b.EnableDebugger("s1", []string{"hello-world"})).To(BeEmpty())
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"9","url":"hello-world"}}`)
			Expect(notifier.Sent()).To(BeEmpty())
		})

		It("announces everything again after the debugger is disabled", func() {
			b.Connect("s1")
			Expect(b.EnableDebugger("s1", []string{"hello-world"})).To(HaveLen(1))
			b.DisableDebugger("s1")
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"other"}}`)
			Expect(notifier.Sent()).To(BeEmpty())
			Expect(b.EnableDebugger("s1", []string{"hello-world"})).To(Equal([]string{"hello-world", "other"}))
		})

		It("keeps every console message of a pause", func() {
			b.Connect("s1")
			pause()
			b.OnEngineMessage(`{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"type":"number","value":1}]}}`)
			b.OnEngineMessage(`{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"type":"number","value":2}]}}`)
			Expect(b.QueuedForClients()).To(Equal(3))

			b.PollWhilePaused()
			Expect(notifier.Methods()).To(Equal([]string{MethodDebuggerPaused, MethodRuntimeConsoleAPICalled, MethodRuntimeConsoleAPICalled}))
			Expect(gjson.GetBytes(notifier.Sent()[2].Params, "args.0.value").Int()).To(Equal(int64(2)))
		})

		It("ignores scripts without a url", func() {
			b.Connect("s1")
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"3","url":""}}`)
			Expect(b.Scripts().Len()).To(BeZero())
			Expect(notifier.Sent()).To(BeEmpty())
		})

		It("records scripts without forwarding when nobody is attached", func() {
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"hello-world"}}`)
			Expect(b.Scripts().Len()).To(Equal(1))
			Expect(notifier.Sent()).To(BeEmpty())
		})

		It("translates resolved breakpoint locations", func() {
			b.Connect("s1")
			b.Scripts().Record("7", "hello-world")
			b.OnEngineMessage(`{"method":"Debugger.breakpointResolved","params":{"breakpointId":"1:2:0:hello-world","location":{"scriptId":"7","lineNumber":2,"columnNumber":0}}}`)
			Expect(notifier.Sent()).To(HaveLen(1))
			Expect(notifier.Sent()[0].Params).To(MatchJSON(`{"breakpointId":"1:2:0:hello-world","location":{"scriptId":"hello-world","lineNumber":2,"columnNumber":0}}`))
		})

		It("forwards unknown script ids unresolved", func() {
			b.Connect("s1")
			b.OnEngineMessage(`{"method":"Debugger.breakpointResolved","params":{"breakpointId":"x","location":{"scriptId":"55","lineNumber":0,"columnNumber":0}}}`)
			Expect(gjson.GetBytes(notifier.Sent()[0].Params, "location.scriptId").String()).To(Equal("55"))
		})

		It("emits Debugger.resumed and flushes leftovers on resume", func() {
			b.Connect("s1")
			pause()
			b.SendToEngine(MethodDebuggerSetBreakpointsActive, json.RawMessage(`{"active":false}`), false)
			b.SendToEngine(MethodDebuggerStepInto, nil, true)
			b.OnEngineMessage(`{"method":"Debugger.resumed","params":{}}`)

			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerSetBreakpointsActive}))
			Expect(notifier.Methods()).To(Equal([]string{MethodDebuggerPaused, MethodDebuggerResumed}))
		})

		It("drops malformed messages without panicking", func() {
			Expect(func() {
				b.OnEngineMessage(`{not json`)
				b.OnEngineMessage(`{"params":{}}`)
				b.OnEngineMessage(`{"method":"Debugger.paused"}`)
			}).NotTo(Panic())
			Expect(b.State()).To(Equal(StateDisconnected))
		})

		It("ignores responses nobody waits for", func() {
			Expect(func() { b.OnEngineMessage(`{"id":12345,"result":{}}`) }).NotTo(Panic())
		})
	})

	Describe("breakpoints", func() {
		It("derives the same id for the same location", func() {
			b.Connect("s1")
			first, added := b.SetBreakpoint("s1", "hello-world", 4, 2, "")
			Expect(added).To(BeTrue())
			second, added := b.SetBreakpoint("s1", "hello-world", 4, 2, "")
			Expect(added).To(BeFalse())
			Expect(second).To(Equal(first))
			Expect(first).To(Equal("1:4:2:hello-world"))
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerSetBreakpointByURL}))
			Expect(inspector.Last(MethodDebuggerSetBreakpointByURL).Get("params").Raw).To(MatchJSON(`{"url":"hello-world","lineNumber":4,"columnNumber":2}`))
		})

		It("tolerates removing unknown breakpoints", func() {
			Expect(func() { b.RemoveBreakpoint("1:9:9:nope") }).NotTo(Panic())
			Expect(inspector.Methods()).To(Equal([]string{MethodDebuggerRemoveBreakpoint}))
		})
	})

	Describe("Attach", func() {
		It("primes the engine", func() {
			b.Attach()
			Expect(inspector.Methods()).To(Equal([]string{
				MethodRuntimeEnable,
				MethodDebuggerEnable,
				MethodDebuggerSetPauseOnExceptions,
				MethodDebuggerSetAsyncCallStack,
				MethodRuntimeRunIfWaitingForDebugger,
			}))
			Expect(inspector.Last(MethodDebuggerEnable).Get("params.maxScriptsCacheSize").Int()).To(BeNumerically(">", 0))
		})
	})

	Describe("SetPathPrefix", func() {
		It("restarts script bookkeeping when the prefix changes", func() {
			b.Connect("s1")
			b.EnableDebugger("s1", nil)
			b.OnEngineMessage(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"hello-world"}}`)
			b.SetPathPrefix("other")
			Expect(b.Scripts().Len()).To(BeZero())
			Expect(b.URLs().URL("hello-world")).To(Equal("http://app//other/hello-world"))
			Expect(b.AnnounceScript("hello-world")).To(BeTrue())
		})
	})
})

func jsonInt(n int) string {
	data, _ := json.Marshal(n)
	return string(data)
}
