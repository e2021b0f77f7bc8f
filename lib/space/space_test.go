// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package space

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveSpendRelease(t *testing.T) {
	accountant := NewAccountant(100)

	reservation, err := accountant.Reserve(30)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if got := accountant.Stats(); got.Free != 70 || got.Reserved != 30 {
		t.Errorf("after Reserve: %+v", got)
	}

	if err := reservation.Spend(10); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if reservation.Blocks() != 20 {
		t.Errorf("Blocks() = %d, want 20", reservation.Blocks())
	}
	reservation.Release()
	reservation.Release()

	want := Stats{Total: 100, Free: 90, Reserved: 0, Used: 10}
	if got := accountant.Stats(); got != want {
		t.Errorf("after Release: %+v, want %+v", got, want)
	}

	accountant.Free(10)
	if got := accountant.Stats(); got.Free != 100 || got.Used != 0 {
		t.Errorf("after Free: %+v", got)
	}
}

func TestReserveExhausted(t *testing.T) {
	accountant := NewAccountant(5)
	if _, err := accountant.Reserve(6); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Reserve(6) error = %v, want ErrExhausted", err)
	}
	if got := accountant.Stats(); got.Free != 5 || got.Reserved != 0 {
		t.Errorf("failed Reserve changed the pools: %+v", got)
	}
}

func TestSplit(t *testing.T) {
	accountant := NewAccountant(10)
	reservation, err := accountant.Reserve(8)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	part, err := reservation.Split(3)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if reservation.Blocks() != 5 || part.Blocks() != 3 {
		t.Errorf("Split left %d and %d", reservation.Blocks(), part.Blocks())
	}
	if _, err := reservation.Split(6); err == nil {
		t.Error("Split beyond the held blocks succeeded")
	}
	if err := part.Spend(4); err == nil {
		t.Error("Spend beyond the held blocks succeeded")
	}

	part.Release()
	if err := reservation.Spend(5); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	want := Stats{Total: 10, Free: 5, Reserved: 0, Used: 5}
	if got := accountant.Stats(); got != want {
		t.Errorf("pools = %+v, want %+v", got, want)
	}
}

func TestReclaim(t *testing.T) {
	accountant := NewAccountant(10)
	reservation, err := accountant.Reserve(4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := reservation.Spend(4); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}

	reclaimed := accountant.Reclaim(3)
	if reclaimed.Blocks() != 3 {
		t.Fatalf("Reclaim returned %d blocks, want 3", reclaimed.Blocks())
	}
	want := Stats{Total: 10, Free: 6, Reserved: 3, Used: 1}
	if got := accountant.Stats(); got != want {
		t.Errorf("after Reclaim: %+v, want %+v", got, want)
	}
	reclaimed.Release()
	if got := accountant.Stats(); got.Free != 9 || got.Reserved != 0 {
		t.Errorf("after Release: %+v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("Reclaim beyond the used blocks did not panic")
		}
	}()
	accountant.Reclaim(2)
}

func TestNilReservation(t *testing.T) {
	var reservation *Reservation
	if reservation.Blocks() != 0 {
		t.Error("nil reservation holds blocks")
	}
	reservation.Release()
	if err := reservation.Spend(0); err != nil {
		t.Errorf("Spend(0) on nil reservation: %v", err)
	}
}

func TestConcurrentConservation(t *testing.T) {
	accountant := NewAccountant(1000)
	var wait sync.WaitGroup
	for range 16 {
		wait.Add(1)
		go func() {
			defer wait.Done()
			for range 100 {
				reservation, err := accountant.Reserve(3)
				if err != nil {
					continue
				}
				if err := reservation.Spend(1); err != nil {
					t.Errorf("Spend failed: %v", err)
				}
				reservation.Release()
				accountant.Free(1)
			}
		}()
	}
	wait.Wait()

	want := Stats{Total: 1000, Free: 1000}
	if got := accountant.Stats(); got != want {
		t.Errorf("pools = %+v, want %+v", got, want)
	}
}
