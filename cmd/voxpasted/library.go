package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"voxpaste/internal/store"
)

// cmdDict manages the rewrite dictionary.
//
//	voxpasted dict                        list entries
//	voxpasted dict add <reading> <display>
//	voxpasted dict rm <reading>
func cmdDict(args []string) {
	fs := flag.NewFlagSet("dict", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args)

	st := openStore(loadConfig(*configPath))
	defer st.Close()
	ctx := context.Background()

	rest := fs.Args()
	action := "list"
	if len(rest) > 0 {
		action, rest = rest[0], rest[1:]
	}

	switch action {
	case "list", "ls":
		words, err := st.DictionaryWords(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if len(words) == 0 {
			fmt.Println("Dictionary is empty.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "READING\tDISPLAY")
		for _, word := range words {
			fmt.Fprintf(w, "%s\t%s\n", word.Reading, word.Display)
		}
		w.Flush()
	case "add":
		if len(rest) < 2 {
			fatalf("usage: voxpasted dict add <reading> <display>")
		}
		if _, err := st.AddWord(ctx, rest[0], strings.Join(rest[1:], " ")); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Added %q\n", rest[0])
	case "rm", "remove":
		if len(rest) != 1 {
			fatalf("usage: voxpasted dict rm <reading>")
		}
		if err := st.RemoveWord(ctx, rest[0]); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Removed %q\n", rest[0])
	default:
		fatalf("unknown dict action: %s", action)
	}
}

// cmdPrompts lists rewrite prompts or adds one.
func cmdPrompts(args []string) {
	fs := flag.NewFlagSet("prompts", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	name := fs.String("add", "", "Add a prompt with this name")
	file := fs.String("file", "", "Template file for -add ('-' reads stdin)")
	apps := fs.String("apps", "", "Comma-separated app name patterns for -add")
	isDefault := fs.Bool("default", false, "Make the added prompt the default")
	fs.Parse(args)

	st := openStore(loadConfig(*configPath))
	defer st.Close()
	ctx := context.Background()

	if *name == "" {
		listPrompts(ctx, st)
		return
	}

	content, err := readTemplate(*file)
	if err != nil {
		fatalf("%v", err)
	}
	p := &store.Prompt{
		Name:        *name,
		Content:     content,
		AppPatterns: splitPatterns(*apps),
		IsDefault:   *isDefault,
	}
	id, err := st.InsertPrompt(ctx, p)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Added prompt %d (%s)\n", id, p.Name)
}

func listPrompts(ctx context.Context, st *store.Store) {
	prompts, err := st.Prompts(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if len(prompts) == 0 {
		fmt.Println("No prompts; the built-in template is used.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEFAULT\tAPPS")
	for _, p := range prompts {
		def := ""
		if p.IsDefault {
			def = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Name, def, strings.Join(p.AppPatterns, ","))
	}
	w.Flush()
}

func readTemplate(path string) (string, error) {
	var data []byte
	var err error
	switch path {
	case "":
		return "", fmt.Errorf("-file is required with -add")
	case "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if !strings.Contains(content, "{{text}}") {
		return "", fmt.Errorf("template must contain {{text}}")
	}
	return content, nil
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
