// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command galloc-bench exercises an Allocator in an allocate/release loop
// and reports the elapsed time and time per round trip; it does not measure
// memory use. It is a diagnostic harness only, not part of the package's
// own API.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"modernc.org/mathutil"

	"modernc.org/galloc"
)

func main() {
	iterations := flag.Int("n", 1_000_000, "number of allocate/release round trips")
	maxSize := flag.Int("max", 32, "maximum request size in bytes")
	useBreak := flag.Bool("sbrk", false, "use the break-extension provider instead of mmap")
	spinLock := flag.Bool("spin", false, "use a spinlock instead of a mutex")
	csvPath := flag.String("csv", "", "append a result row to this CSV file")
	flag.Parse()

	var opts []galloc.Option
	if *useBreak {
		opts = append(opts, galloc.WithBreakProvider())
	}
	if *spinLock {
		opts = append(opts, galloc.WithSpinLock())
	}
	a := galloc.NewAllocator(opts...)

	rng, err := mathutil.NewFC32(1, *maxSize, true)
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < *iterations; i++ {
		size := rng.Next()
		p, err := a.Allocate(size)
		if err != nil {
			log.Fatalf("iteration %d: allocate %d: %v", i, size, err)
		}
		if err := a.Release(p); err != nil {
			log.Fatalf("iteration %d: release: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("iterations=%d max=%d elapsed=%s ns/op=%.1f\n", *iterations, *maxSize, elapsed, float64(elapsed.Nanoseconds())/float64(*iterations))

	if *csvPath != "" {
		if err := appendCSV(*csvPath, *iterations, *maxSize, *useBreak, *spinLock, elapsed); err != nil {
			log.Fatal(err)
		}
	}
}

func appendCSV(path string, iterations, maxSize int, useBreak, spinLock bool, elapsed time.Duration) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write([]string{
		time.Now().UTC().Format(time.RFC3339),
		fmt.Sprint(iterations),
		fmt.Sprint(maxSize),
		fmt.Sprint(useBreak),
		fmt.Sprint(spinLock),
		elapsed.String(),
	})
}
