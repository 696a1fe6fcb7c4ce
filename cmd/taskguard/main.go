// Command taskguard runs guarded task workers and the operator tooling around them.
package main

import "github.com/nimburion/taskguard/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{}))
}
