// Command asanrtdemo drives a Runtime through a handful of allocation
// patterns and prints whatever faults the error filter reports. It
// exists to exercise the runtime end to end outside of a test binary,
// the same way a small demo program walks a library through its paces
// for a person reading the source rather than running a test suite.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shadowmem/asanrt/asanrt"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "overflow":
		runScenario(scenarioOverflow)
	case "underflow":
		runScenario(scenarioUnderflow)
	case "uaf":
		runScenario(scenarioUseAfterFree)
	case "doublefree":
		runScenario(scenarioDoubleFree)
	case "sweep":
		runScenario(scenarioSweep)
	case "snapshot":
		runScenario(scenarioSnapshot)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`asanrtdemo - exercise the shadow-memory heap runtime

USAGE:
    asanrtdemo <scenario>

SCENARIOS:
    overflow     allocate, then read past the end of the body
    underflow    allocate, then read before the start of the body
    uaf          allocate, free, then read the freed body
    doublefree   allocate, free, then free again
    sweep        allocate and free a block, then run a diagnostic sweep
    snapshot     allocate a few blocks and print a stats snapshot
`)
}

func newDemoRuntime() (*asanrt.Runtime, error) {
	params := asanrt.Defaults()
	params.AddressSpaceSize = 64 << 20
	params.ExitOnFailure = false

	rt, err := asanrt.Initialise(params, nil, nil)
	if err != nil {
		return nil, err
	}
	rt.SetErrorCallback(func(rec asanrt.ErrorRecord) {
		fmt.Printf("fault: kind=%s addr=%#x thread=%d\n", rec.Kind, rec.FaultAddr, rec.ThreadID)
	})
	return rt, nil
}

func runScenario(scenario func(rt *asanrt.Runtime) error) {
	rt, err := newDemoRuntime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise: %v\n", err)
		os.Exit(1)
	}
	defer rt.Teardown()

	if err := scenario(rt); err != nil {
		if asanrt.IsSentinelException(err) {
			fmt.Println("runtime reported a sentinel exception (expected for this scenario)")
			return
		}
		fmt.Fprintf(os.Stderr, "scenario failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("no fault reported")
}

func scenarioOverflow(rt *asanrt.Runtime) error {
	body, err := rt.Allocate(asanrt.ProcessHeapID, 16, 1)
	if err != nil {
		return err
	}
	return rt.CheckAccess(body, 32, asanrt.AccessRead, 1)
}

func scenarioUnderflow(rt *asanrt.Runtime) error {
	body, err := rt.Allocate(asanrt.ProcessHeapID, 16, 1)
	if err != nil {
		return err
	}
	return rt.CheckAccess(body-8, 4, asanrt.AccessRead, 1)
}

func scenarioUseAfterFree(rt *asanrt.Runtime) error {
	body, err := rt.Allocate(asanrt.ProcessHeapID, 16, 1)
	if err != nil {
		return err
	}
	if err := rt.Free(asanrt.ProcessHeapID, body, 1); err != nil {
		return err
	}
	return rt.CheckAccess(body, 1, asanrt.AccessRead, 1)
}

func scenarioDoubleFree(rt *asanrt.Runtime) error {
	body, err := rt.Allocate(asanrt.ProcessHeapID, 16, 1)
	if err != nil {
		return err
	}
	if err := rt.Free(asanrt.ProcessHeapID, body, 1); err != nil {
		return err
	}
	return rt.Free(asanrt.ProcessHeapID, body, 1)
}

func scenarioSweep(rt *asanrt.Runtime) error {
	body, err := rt.Allocate(asanrt.ProcessHeapID, 16, 1)
	if err != nil {
		return err
	}
	if err := rt.Free(asanrt.ProcessHeapID, body, 1); err != nil {
		return err
	}
	return rt.CheckHeap(context.Background())
}

func scenarioSnapshot(rt *asanrt.Runtime) error {
	for i := 0; i < 4; i++ {
		if _, err := rt.Allocate(asanrt.ProcessHeapID, 64*(i+1), 1); err != nil {
			return err
		}
	}
	snap := rt.Snapshot()
	fmt.Printf("shadow: addressable=%d left_redzone=%d right_redzone=%d freed=%d\n",
		snap.Shadow.Addressable, snap.Shadow.LeftRedzone, snap.Shadow.RightRedzone, snap.Shadow.Freed)
	for id, hs := range snap.Heaps {
		fmt.Printf("heap %d: bytes_free=%d quarantine_count=%d unwrapped=%d\n",
			id, hs.BytesFree, hs.QuarantineStats.TotalCount, hs.UnwrappedCount)
	}
	fmt.Printf("stack cache: unique_traces=%d total_captures=%d\n",
		snap.StackCache.UniqueTraces, snap.StackCache.TotalCaptures)
	return nil
}
