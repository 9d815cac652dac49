package client

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Sink receives the results of one subscription. Next may be called any
// number of times, followed by exactly one call to Error or Complete.
// Calls are made from a single goroutine.
type Sink interface {
	Next(result json.RawMessage)
	Error(err error)
	Complete()
}

// SinkFuncs adapts functions to a Sink. Nil fields are ignored.
type SinkFuncs struct {
	OnNext     func(result json.RawMessage)
	OnError    func(err error)
	OnComplete func()
}

func (s SinkFuncs) Next(result json.RawMessage) {
	if s.OnNext != nil {
		s.OnNext(result)
	}
}

func (s SinkFuncs) Error(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

func (s SinkFuncs) Complete() {
	if s.OnComplete != nil {
		s.OnComplete()
	}
}

// guardedSink enforces the Sink contract: exactly one terminal call, and no
// Next call starts once stop has returned. A Next that passed its check before
// stop may still be running; unsubscribe does not wait for it so that it can
// be called from inside Next.
type guardedSink struct {
	sink    Sink
	stopped atomic.Bool
	once    sync.Once
}

func (g *guardedSink) next(result json.RawMessage) {
	if g.stopped.Load() {
		return
	}
	g.sink.Next(result)
}

func (g *guardedSink) error(err error) {
	g.once.Do(func() { g.sink.Error(err) })
}

func (g *guardedSink) complete() {
	g.once.Do(g.sink.Complete)
}

func (g *guardedSink) stop() { g.stopped.Store(true) }
