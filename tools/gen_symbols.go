// Package main generates the bound-symbol table skeleton from the TensorFlow
// C API headers.
//
// NOTE: This generator uses simple regex-based parsing which works for the
// current TensorFlow C API headers but may be fragile with future header
// changes. The emitted table is a starting point: each entry still needs its
// typed function variable in tf/symbols.go.
package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <c_api.h> [tf_status.h tf_tensor.h ...]\n", os.Args[0])
		os.Exit(1)
	}

	// TF_CAPI_EXPORT extern TF_Tensor* TF_AllocateTensor(TF_DataType, ...
	exportPattern := regexp.MustCompile(`TF_CAPI_EXPORT\s+extern\s+[\w\s*]+?\b(TF_\w+)\s*\(`)

	seen := make(map[string]bool)
	var symbols []string

	for _, headerPath := range os.Args[1:] {
		file, err := os.Open(headerPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open header file: %v\n", err)
			os.Exit(1)
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()

			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") {
				continue
			}

			matches := exportPattern.FindStringSubmatch(line)
			if len(matches) < 2 {
				continue
			}

			name := matches[1]
			if seen[name] {
				fmt.Fprintf(os.Stderr, "Warning: duplicate symbol %s in %s\n", name, headerPath)
				continue
			}
			seen[name] = true
			symbols = append(symbols, name)
		}

		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", headerPath, err)
			os.Exit(1)
		}
		_ = file.Close()
	}

	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no TF_CAPI_EXPORT declarations found. Header may have changed.")
		os.Exit(1)
	}

	// Spot-check entry points the binding cannot work without.
	for _, required := range []string{"TF_Version", "TF_NewStatus", "TF_NewGraph", "TF_SessionRun"} {
		if !seen[required] {
			fmt.Fprintf(os.Stderr, "Error: required symbol %q not found. Parser may be broken.\n", required)
			os.Exit(1)
		}
	}

	sort.Strings(symbols)
	generateTable(symbols)
}

func generateTable(symbols []string) {
	fmt.Println("package tf")
	fmt.Println()
	fmt.Printf("// Auto-generated on: %s\n", time.Now().Format(time.RFC3339))
	fmt.Println("// Generator: tools/gen_symbols.go")
	fmt.Printf("// Parsed %d exported symbols\n", len(symbols))
	fmt.Println("//")
	fmt.Println("// Skeleton for the boundSymbols table: keep only the entry points the")
	fmt.Println("// binding registers, and pair each with its typed function variable.")
	fmt.Println("func generatedSymbols() []symbolBinding {")
	fmt.Println("\treturn []symbolBinding{")

	for _, name := range symbols {
		varName := "tf" + strings.TrimPrefix(name, "TF_") + "Func"
		fmt.Printf("\t\t{%q, &%s},\n", name, varName)
	}

	fmt.Println("\t}")
	fmt.Println("}")
}
