// Command pagedgen-demo exercises the engine package end to end against a
// mock ModelRunner and Tokenizer, without any real model weights.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atobiszei/pagedgen/engine"
)

var (
	logLevel     string
	maxNumSeqs   int
	blockSize    int
	cacheBlocks  int
	maxNewTokens int
	showProgress bool
	prompts      []string
)

var rootCmd = &cobra.Command{
	Use:   "pagedgen-demo",
	Short: "Drives the pagedgen continuous-batching engine against mock prompts",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Add the configured prompts and generate completions for all of them",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if len(prompts) == 0 {
			prompts = []string{"hello world", "how are you", "this is a test"}
		}

		vocab := buildVocab(prompts)
		tokenizer := engine.NewMockTokenizer(vocab, engine.Token(len(vocab)-1))
		modelRunner := engine.NewMockModelRunner(len(vocab))

		cfg := engine.NewConfig(
			engine.WithMaxNumSeqs(maxNumSeqs),
			engine.WithBlockSize(blockSize),
			engine.WithCacheSizeBlocks(cacheBlocks),
			engine.WithEOS(engine.Token(len(vocab)-1)),
		)

		eng := engine.NewEngine(cfg, modelRunner, tokenizer)
		defer eng.Close()

		promptAny := make([]any, len(prompts))
		params := make([]*engine.SamplingParameters, len(prompts))
		for i, p := range prompts {
			promptAny[i] = p
			params[i] = engine.NewSamplingParameters(engine.WithMaxNewTokens(maxNewTokens))
		}

		results, err := eng.Generate(promptAny, params, showProgress)
		if err != nil {
			logrus.Fatalf("generate failed: %v", err)
		}

		for i, r := range results {
			fmt.Printf("\nprompt %d: %s\n", i+1, prompts[i])
			if r.Err != nil {
				fmt.Printf("  error: %v\n", r.Err)
				continue
			}
			for _, out := range r.Outputs {
				text, err := tokenizer.Decode(out.GeneratedTokenIDs)
				if err != nil {
					fmt.Printf("  seq %d: <decode error: %v>\n", out.SeqID, err)
					continue
				}
				fmt.Printf("  seq %d: %s\n", out.SeqID, text)
			}
		}
	},
}

// buildVocab derives a tiny shared vocabulary from the prompt words plus a
// reserved end-of-sequence entry, enough for MockTokenizer to round-trip
// the demo prompts and for MockModelRunner to have a vocabulary to score.
func buildVocab(prompts []string) []string {
	seen := make(map[string]bool)
	var vocab []string
	for _, p := range prompts {
		for _, w := range strings.Fields(p) {
			if !seen[w] {
				seen[w] = true
				vocab = append(vocab, w)
			}
		}
	}
	vocab = append(vocab, "<eos>")
	return vocab
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 64, "Maximum concurrently running sequences")
	runCmd.Flags().IntVar(&blockSize, "block-size", 16, "KV block size in tokens (16, 32, or 64)")
	runCmd.Flags().IntVar(&cacheBlocks, "cache-size-blocks", 256, "Total physical KV blocks in the pool")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 8, "Per-request completion length budget")
	runCmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress bar while generating")
	runCmd.Flags().StringSliceVar(&prompts, "prompt", nil, "Prompt to generate from (repeatable); defaults to a small built-in set")

	rootCmd.AddCommand(runCmd)
}
