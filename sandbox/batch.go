//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
)

// BatchItem is the outcome of one request of a batch.
type BatchItem struct {
	Response *Response
	Err      error
}

type batchParam struct {
	idx     int
	ctx     context.Context
	req     Request
	engine  *Engine
	results []BatchItem
	wg      *sync.WaitGroup
}

func (p *batchParam) reset() {
	p.idx = 0
	p.ctx = nil
	p.req = Request{}
	p.engine = nil
	p.results = nil
	p.wg = nil
}

var batchParamPool = &sync.Pool{
	New: func() any { return new(batchParam) },
}

func newBatchPool(size int) (*ants.PoolWithFunc, error) {
	pool, err := ants.NewPoolWithFunc(size, func(args any) {
		param, ok := args.(*batchParam)
		if !ok {
			panic("sandbox batch pool args type error")
		}
		wg := param.wg
		defer func() {
			wg.Done()
			param.reset()
			batchParamPool.Put(param)
		}()
		resp, err := param.engine.Invoke(param.ctx, param.req)
		param.results[param.idx] = BatchItem{Response: resp, Err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("create batch pool: %w", err)
	}
	return pool, nil
}

// InvokeBatch runs reqs concurrently on the engine's bounded pool. Results
// are in request order; one failing request does not stop the others.
func (e *Engine) InvokeBatch(ctx context.Context, reqs []Request) []BatchItem {
	results := make([]BatchItem, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		param := batchParamPool.Get().(*batchParam)
		param.idx = i
		param.ctx = ctx
		param.req = req
		param.engine = e
		param.results = results
		param.wg = &wg
		wg.Add(1)
		if err := e.pool.Invoke(param); err != nil {
			wg.Done()
			param.reset()
			batchParamPool.Put(param)
			results[i] = BatchItem{Err: errs.New(errs.KindExecution, "batch submit", err)}
		}
	}
	wg.Wait()
	return results
}
