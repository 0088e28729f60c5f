package domain

import (
	"context"
	"testing"
	"time"
)

func TestMarkBusyAndIsBusy(t *testing.T) {
	c := New(10 * time.Millisecond)
	url := "https://docs.example.com/guide"

	if c.IsBusy(url) {
		t.Fatal("expected host not busy before MarkBusy")
	}

	c.MarkBusy(url, "job-1")
	if !c.IsBusy(url) {
		t.Fatal("expected host busy after MarkBusy")
	}

	// Same host, different scheme/case/port should still be seen as busy.
	if !c.IsBusy("HTTPS://Docs.Example.com:443/other") {
		t.Fatal("expected normalized host match across case/port variants")
	}
}

func TestReleaseClearsBusyOnlyWhenSetEmpty(t *testing.T) {
	c := New(10 * time.Millisecond)
	url := "https://docs.example.com/guide"

	c.MarkBusy(url, "job-1")
	c.MarkBusy(url, "job-2")

	c.Release(url, "job-1")
	if !c.IsBusy(url) {
		t.Fatal("expected host still busy with job-2 active")
	}

	c.Release(url, "job-2")
	if c.IsBusy(url) {
		t.Fatal("expected host free after releasing all jobs")
	}
}

func TestBusyJobsReportsConflictingJobs(t *testing.T) {
	c := New(10 * time.Millisecond)
	url := "https://docs.example.com/guide"

	c.MarkBusy(url, "job-1")
	c.MarkBusy(url, "job-2")

	jobs := c.BusyJobs(url)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 busy jobs, got %d: %v", len(jobs), jobs)
	}
}

func TestWaitForAvailabilityReturnsImmediatelyWhenFree(t *testing.T) {
	c := New(10 * time.Millisecond)
	ok := c.WaitForAvailability(context.Background(), "https://docs.example.com/", time.Second)
	if !ok {
		t.Fatal("expected immediate availability for a never-busy host")
	}
}

func TestWaitForAvailabilityUnblocksOnRelease(t *testing.T) {
	c := New(5 * time.Millisecond)
	url := "https://docs.example.com/"
	c.MarkBusy(url, "job-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Release(url, "job-1")
	}()

	ok := c.WaitForAvailability(context.Background(), url, time.Second)
	if !ok {
		t.Fatal("expected availability after release")
	}
}

func TestWaitForAvailabilityTimesOut(t *testing.T) {
	c := New(5 * time.Millisecond)
	url := "https://docs.example.com/"
	c.MarkBusy(url, "job-1")

	ok := c.WaitForAvailability(context.Background(), url, 20*time.Millisecond)
	if ok {
		t.Fatal("expected timeout while host remains busy")
	}
}

func TestWaitForAvailabilityRespectsContextCancellation(t *testing.T) {
	c := New(5 * time.Millisecond)
	url := "https://docs.example.com/"
	c.MarkBusy(url, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ok := c.WaitForAvailability(ctx, url, time.Second)
	if ok {
		t.Fatal("expected cancellation to stop the wait")
	}
}
