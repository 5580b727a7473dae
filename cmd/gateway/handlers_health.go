package main

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/middleware"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
)

var errMemoryPressure = errors.New("host memory usage above 95%")

// newHealthChecker wires up the composite /health endpoint: database,
// ledger RPC, and host memory pressure, each as an independent check
// (spec.md §6's "Health/readiness" surface).
func newHealthChecker(version string, st *store.Store, chain ledger.Adapter) *middleware.HealthChecker {
	hc := middleware.NewHealthChecker(version)

	hc.RegisterCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return st.Ping(ctx)
	})

	hc.RegisterCheck("ledger", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := chain.LatestBlockHash(ctx)
		return err
	})

	hc.RegisterCheck("memory", func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return err
		}
		if vm.UsedPercent > 95 {
			return errMemoryPressure
		}
		return nil
	})

	return hc
}
