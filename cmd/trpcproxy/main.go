// Command trpcproxy runs the tRPC Layer-4 proxy: accepts downstream
// connections, decodes tRPC frames, routes them to an upstream cluster, and
// forwards the response back verbatim.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
