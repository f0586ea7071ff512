package main

import (
	"fmt"
	"io"

	"github.com/Bidon15/nouns-deployer/internal/deployer"
)

// printSummary writes the addresses in deployment order, then the wiring
// and verification outcomes.
func printSummary(w io.Writer, s *deployer.Summary) {
	fmt.Fprintf(w, "run %s (%s): %s\n", s.RunID, s.Mode, s.Stage)

	for _, d := range s.Deployments {
		note := ""
		if d.Existing {
			note = " (existing)"
		}
		fmt.Fprintf(w, "%s deployed at %s%s\n", d.Contract, d.Address.Hex(), note)
	}

	for _, wr := range s.Wiring {
		if wr.Skipped {
			fmt.Fprintf(w, "%s already set to %s\n", wr.Method, wr.Arg.Hex())
			continue
		}
		fmt.Fprintf(w, "%s(%s) confirmed in tx %s\n", wr.Method, wr.Arg.Hex(), wr.TxHash.Hex())
	}

	for _, v := range s.Verifications {
		line := fmt.Sprintf("%s verification: %s", v.Contract, v.Outcome)
		if v.Verifier != "" {
			line = fmt.Sprintf("%s %s verification: %s", v.Contract, v.Verifier, v.Outcome)
		}
		if v.URL != "" {
			line += " " + v.URL
		}
		if v.Err != nil {
			line += " (" + v.Err.Error() + ")"
		}
		fmt.Fprintln(w, line)
	}
}
