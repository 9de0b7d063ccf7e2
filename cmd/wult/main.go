// wult claims delayed-event devices for wake-up latency measurements
// and streams the kernel trace data they produce.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/dedekind/wult/cmd/wult/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
