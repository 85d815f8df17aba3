// calltrace: ingests method enter/exit notifications into a call-trace
// database. See 'calltrace --help'.
package main

import "github.com/ppiankov/calltrace/internal/cli"

func main() {
	cli.Execute()
}
