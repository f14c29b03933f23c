/*
Test-file generator for rudft servers
*/
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rudft-gen [path] [size]",
	Short: "Generate a pseudo-random test file; size accepts k/m suffixes",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		size, err := parseSize(args[1])
		if err != nil {
			log.Fatal(err)
		}

		data := make([]byte, size)
		rand.New(rand.NewSource(time.Now().UnixNano())).Read(data)
		if err := os.WriteFile(args[0], data, 0644); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %d bytes to %s\n", size, args[0])
	},
}

func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
