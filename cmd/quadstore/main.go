// Command quadstore is a thin demonstration CLI over the embeddable
// bitemporal quad store (pkg/qstore). It exercises the Go API directly:
// open a store, insert quads, run a SELECT against the algebra. It is not
// a SPARQL shell — there is no text-query parser in this repo — so
// queries are built as algebra.Query values by the subcommands below.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chronograph/qstore/pkg/config"
	"github.com/chronograph/qstore/pkg/log"
	"github.com/chronograph/qstore/pkg/prune"
	"github.com/chronograph/qstore/pkg/qstore"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/temporal"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "quadstore",
	Short:   "quadstore - embeddable bitemporal RDF quad store",
	Long:    "quadstore opens and drives a bitemporal RDF quad store directly through its Go API.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quadstore version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(pruneCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut, Output: os.Stderr})
}

func openStore(path string) (*qstore.Store, error) {
	return qstore.Open(path, config.Default())
}

// insertCmd inserts one quad given as four or three positional terms
// (graph is omitted for the default graph): quadstore insert DB
// :alice :worksFor :acme [graph].
var insertCmd = &cobra.Command{
	Use:   "insert DB SUBJECT PREDICATE OBJECT [GRAPH]",
	Short: "Insert one current quad as an INSERT DATA update",
	Args:  cobra.RangeArgs(4, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		q := algebra.QuadPattern{
			S: algebra.IRI(args[1]),
			P: algebra.IRI(args[2]),
			O: literalOrIRI(args[3]),
		}
		if len(args) == 5 {
			q.G = algebra.IRI(args[4])
		}
		u := &algebra.Update{Ops: []algebra.UpdateOp{algebra.InsertData{Quads: []algebra.QuadPattern{q}}}}
		if err := st.ExecuteUpdate(context.Background(), u); err != nil {
			return err
		}
		fmt.Println("inserted 1 quad")
		return nil
	},
}

// literalOrIRI treats an object starting with ':' or containing "://" as
// an IRI and everything else as a plain literal, a convenience for this
// demo CLI only; the real term-kind decision belongs to an RDF parser.
func literalOrIRI(s string) algebra.Term {
	if len(s) > 0 && (s[0] == ':' || containsScheme(s)) {
		return algebra.IRI(s)
	}
	return algebra.Literal(s, "")
}

func containsScheme(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return true
		}
	}
	return false
}

// selectCmd runs a fixed single-triple-pattern SELECT against the store:
// quadstore select DB SUBJECT PREDICATE [AS-OF-UNIX-SECONDS].
var selectCmd = &cobra.Command{
	Use:   "select DB SUBJECT PREDICATE [AS-OF-UNIX-SECONDS]",
	Short: "Run SELECT ?o WHERE { SUBJECT PREDICATE ?o }, optionally AS OF a timestamp",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		q := &algebra.Query{
			Form:      algebra.FormSelect,
			SelectAll: true,
			Where: algebra.BGP{Triples: []algebra.TriplePattern{{
				S: algebra.IRI(args[1]),
				P: algebra.IRI(args[2]),
				O: algebra.VarTerm("o"),
			}}},
			Modifier: algebra.SolutionModifier{Limit: -1},
		}
		if len(args) == 4 {
			ts, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid AS OF timestamp %q: %w", args[3], err)
			}
			clause := temporalAsOf(ts)
			q.Temporal = &clause
		}

		res, err := st.Query(q)
		if err != nil {
			return err
		}
		for _, row := range res.Select.Rows {
			v, ok := row.Get("o")
			if !ok {
				fmt.Println("(unbound)")
				continue
			}
			fmt.Println(v.Lexical)
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune DB",
	Short: "Rewrite the store through pkg/prune, flattening to current versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		result, err := st.Prune(prune.Options{
			History:   prune.FlattenToCurrent,
			BatchSize: 10000,
		})
		if err != nil {
			return err
		}
		fmt.Printf("scanned=%d written=%d\n", result.Scanned, result.Written)
		return nil
	},
}

// temporalAsOf converts the CLI's human-friendly whole-seconds timestamp
// into the microsecond instant valid_from/valid_to are stored in,
// matching qstore.Store's time.Now().UnixMicro() writers.
func temporalAsOf(unixSeconds int64) temporal.Clause {
	return temporal.NewAsOf(unixSeconds * 1_000_000)
}
