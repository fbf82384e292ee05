// Command snackbot runs the biote runtime. CLI handling lives in cmd.
package main

import (
	"github.com/jarney/snackbot/cmd"
)

func main() {
	cmd.Execute()
}
