// Command scrapefleet runs the scrape coordination server and its workers.
package main

import (
	"github.com/JakeFAU/scrapefleet/cmd"
)

func main() {
	cmd.Execute()
}
