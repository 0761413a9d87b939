//go:build ignore
// +build ignore

package main

import (
	"log"

	pairipc "github.com/mithrel/pairipc/internal/cli"
	"github.com/spf13/cobra/doc"
)

func main() {
	root := pairipc.NewRootCmd()

	if err := doc.GenMarkdownTree(root, "./docs/markdown"); err != nil {
		log.Fatal(err)
	}

	header := &doc.GenManHeader{
		Title:   "PAIRIPC",
		Section: "1",
	}
	if err := doc.GenManTree(root, header, "./docs/man"); err != nil {
		log.Fatal(err)
	}
}
