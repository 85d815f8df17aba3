// Package workload drives a producer with synthetic concurrent call traffic.
// Each simulated thread performs a deterministic random walk over a fixed
// catalogue of methods, so runs with the same seed are reproducible.
package workload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/calltrace/internal/model"
)

// Producer receives the simulated notifications.
type Producer interface {
	Enter(thread model.Thread, m model.Method)
	Exit(thread model.ThreadID)
}

// Config shapes a simulation run.
type Config struct {
	Threads         int
	EventsPerThread int
	MaxDepth        int
	Seed            uint64
}

// Result counts what was delivered.
type Result struct {
	Enters int64
	Exits  int64
}

// Catalogue is the set of methods simulated threads call into.
var Catalogue = []model.Method{
	{Site: 1, Class: "Sample", Name: "main", Signature: "([Ljava/lang/String;)V"},
	{Site: 2, Class: "Sample", Name: "filterXSS", Signature: "(Ljava/lang/String;)Ljava/lang/String;"},
	{Site: 3, Class: "Sample", Name: "testStuff", Signature: "(Ljava/lang/Integer;Ljava/lang/Double;)Ljava/lang/Integer;"},
	{Site: 4, Class: "Sample", Name: "isValidEmail", Signature: "(Ljava/lang/String;)Z"},
	{Site: 5, Class: "java.util.HashMap", Generic: "<K:Ljava/lang/Object;V:Ljava/lang/Object;>Ljava/util/AbstractMap<TK;TV;>;Ljava/util/Map<TK;TV;>;Ljava/lang/Cloneable;Ljava/io/Serializable;", Name: "put", Signature: "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;"},
	{Site: 6, Class: "java.util.HashMap", Name: "putAll", Signature: "(Ljava/util/Map;)V"},
	{Site: 7, Class: "java.util.regex.Pattern", Name: "compile", Signature: "(Ljava/lang/String;)Ljava/util/regex/Pattern;"},
	{Site: 8, Class: "java.util.regex.Pattern", Name: "matcher", Signature: "(Ljava/lang/CharSequence;)Ljava/util/regex/Matcher;"},
	{Site: 9, Class: "java.util.regex.Matcher", Name: "replaceAll", Signature: "(Ljava/lang/String;)Ljava/lang/String;"},
	{Site: 10, Class: "java.lang.Integer", Name: "<init>", Signature: "(I)V"},
	{Site: 11, Class: "java.lang.Integer", Name: "intValue", Signature: "()I"},
	{Site: 12, Class: "java.util.HashMap$KeyIterator", Name: "hasNext", Signature: "()Z"},
	{Site: 13, Class: "java.lang.String", Generic: "Ljava/lang/Object;Ljava/io/Serializable;Ljava/lang/Comparable<Ljava/lang/String;>;Ljava/lang/CharSequence;", Name: "length", Signature: "()I"},
}

// Simulate runs cfg.Threads goroutines, each delivering
// cfg.EventsPerThread entries with matching exits. Notifications for one
// thread are delivered serially.
func Simulate(ctx context.Context, p Producer, cfg Config) (Result, error) {
	if cfg.Threads <= 0 || cfg.EventsPerThread < 0 {
		return Result{}, fmt.Errorf("workload: invalid config: %d threads, %d events", cfg.Threads, cfg.EventsPerThread)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 16
	}

	var enters, exits atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for i := range cfg.Threads {
		th := model.Thread{ID: model.ThreadID(i + 1), Name: fmt.Sprintf("sim-%d", i+1)}
		g.Go(func() error {
			e, x, err := walk(ctx, p, th, cfg)
			enters.Add(e)
			exits.Add(x)
			return err
		})
	}
	err := g.Wait()
	return Result{Enters: enters.Load(), Exits: exits.Load()}, err
}

func walk(ctx context.Context, p Producer, th model.Thread, cfg Config) (enters, exits int64, err error) {
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(th.ID)))
	depth := 0
	defer func() {
		for ; depth > 0; depth-- {
			p.Exit(th.ID)
			exits++
		}
	}()

	for enters < int64(cfg.EventsPerThread) {
		if enters%256 == 0 {
			if err := ctx.Err(); err != nil {
				return enters, exits, err
			}
		}
		if depth == 0 || (depth < cfg.MaxDepth && rng.IntN(2) == 0) {
			var m model.Method
			if depth == 0 {
				m = Catalogue[0]
			} else {
				m = Catalogue[1+rng.IntN(len(Catalogue)-1)]
			}
			p.Enter(th, m)
			enters++
			depth++
			continue
		}
		p.Exit(th.ID)
		exits++
		depth--
	}
	return enters, exits, nil
}
