package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterbourgon/ff/v3"

	"github.com/dnswlt/cbcflow/internal/gitclient"
	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/library"
	"github.com/dnswlt/cbcflow/internal/linkedfile"
	"github.com/dnswlt/cbcflow/internal/merge"
	"github.com/dnswlt/cbcflow/internal/metadata"
	"github.com/dnswlt/cbcflow/internal/render"
	"github.com/dnswlt/cbcflow/internal/schema"
	"github.com/dnswlt/cbcflow/internal/store"
	"github.com/dnswlt/cbcflow/internal/update"
)

var (
	// Version is the application version.
	// It is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
)

const usage = `Usage: cbcflow <command> [flags]

Commands:
  update    Update the metadata of a superevent
  show      Print the metadata of a superevent
  validate  Validate all documents of the library
  index     Generate the library index
  sync      Apply update documents to the library
  render    Render a superevent as Markdown or HTML
  merge     Git merge driver for metadata documents
  version   Print the version
`

// Options contains program options shared by all commands.
// They can be set via command-line flags, environment variables or a config file.
type Options struct {
	LibraryDir    string
	SchemaFile    string
	SchemaVersion string
	Cluster       string
}

func (o *Options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.LibraryDir, "library", ".", "Path to the library directory")
	fs.StringVar(&o.SchemaFile, "schema-file", "", "Path to a metadata JSON schema. If empty, the built-in schema is used")
	fs.StringVar(&o.SchemaVersion, "schema-version", "", "Version of the built-in metadata schema (default: latest)")
	fs.StringVar(&o.Cluster, "cluster", "", "Cluster prefix of linked files (default: detected from the hostname)")
	fs.String("config", "", "Path to a config file with one 'flag value' pair per line")
}

func parseFlags(fs *flag.FlagSet, args []string) {
	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("CBCFLOW"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
}

func loadSchema(opts Options) *schema.Schema {
	if opts.SchemaFile != "" {
		s, err := schema.Load(opts.SchemaFile)
		if err != nil {
			log.Fatalf("Failed to load schema: %v", err)
		}
		return s
	}
	s, err := schema.Builtin(schema.KindMetadata, opts.SchemaVersion)
	if err != nil {
		log.Fatalf("Failed to load schema: %v (available: %s)", err,
			strings.Join(schema.Versions(schema.KindMetadata), ", "))
	}
	return s
}

func openLibrary(opts Options, s *schema.Schema) *library.Library {
	var libOpts []library.Option
	if opts.Cluster != "" {
		libOpts = append(libOpts, library.WithLinker(&linkedfile.Linker{Cluster: opts.Cluster}))
	}
	lib, err := library.Open(opts.LibraryDir, s, libOpts...)
	if err != nil {
		log.Fatalf("Failed to open library: %v", err)
	}
	return lib
}

// lockLibrary takes the library lock and returns a func releasing it.
func lockLibrary(lib *library.Library) func() {
	if err := lib.Lock(); err != nil {
		if errors.Is(err, library.ErrLocked) {
			log.Fatalf("Library %s is in use by another process", lib.Dir())
		}
		log.Fatalf("Failed to lock library: %v", err)
	}
	return func() {
		if err := lib.Unlock(); err != nil {
			log.Printf("Failed to unlock library: %v", err)
		}
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "update":
		runUpdate(args)
	case "show":
		runShow(args)
	case "validate":
		runValidate(args)
	case "index":
		runIndex(args)
	case "sync":
		runSync(args)
	case "render":
		runRender(args)
	case "merge":
		runMerge(args)
	case "version":
		fmt.Println(Version)
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
}

// schemaArgs extracts the schema selection flags from args before the full
// flag set is parsed, since the update flags are derived from the schema.
func schemaArgs(args []string) Options {
	opts := Options{
		SchemaFile:    os.Getenv("CBCFLOW_SCHEMA_FILE"),
		SchemaVersion: os.Getenv("CBCFLOW_SCHEMA_VERSION"),
	}
	for i := 0; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
		if !strings.HasPrefix(args[i], "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(args[i], "-"), "=")
		var dst *string
		switch name {
		case "schema-file":
			dst = &opts.SchemaFile
		case "schema-version":
			dst = &opts.SchemaVersion
		default:
			continue
		}
		if !hasValue && i+1 < len(args) {
			i++
			value = args[i]
		}
		*dst = value
	}
	return opts
}

// registerOpFlags adds one flag per settable schema field. Each occurrence
// of a flag appends an operation to ops.
func registerOpFlags(fs *flag.FlagSet, s *schema.Schema, ops *[]update.Op) {
	for _, spec := range s.Flags() {
		fs.Func(spec.Name(), spec.Usage, func(v string) error {
			*ops = append(*ops, update.Op{Path: spec.Path, Action: spec.Action, Value: v})
			return nil
		})
	}
}

func runUpdate(args []string) {
	opts := schemaArgs(args)
	s := loadSchema(opts)

	fs := flag.NewFlagSet("cbcflow update", flag.ExitOnError)
	opts.register(fs)
	var updateFile string
	var removal, printOnly bool
	var ops []update.Op
	fs.StringVar(&updateFile, "update-file", "", "Path to a JSON update document to apply")
	fs.BoolVar(&removal, "removal", false, "Remove the values of -update-file instead of adding them")
	fs.BoolVar(&printOnly, "dry-run", false, "Print the changes but do not write them")
	registerOpFlags(fs, s, &ops)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: cbcflow update [flags] SNAME\n")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	sname := fs.Arg(0)

	lib := openLibrary(opts, s)
	defer lockLibrary(lib)()

	doc, err := lib.Document(sname)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", sname, err)
	}
	if updateFile != "" {
		bs, err := os.ReadFile(updateFile)
		if err != nil {
			log.Fatalf("Failed to read update file: %v", err)
		}
		upd, err := jsonutil.UnmarshalObject(bs)
		if err != nil {
			log.Fatalf("Invalid update file %s: %v", updateFile, err)
		}
		if err := doc.Update(upd, removal); err != nil {
			log.Fatalf("Failed to apply %s: %v", updateFile, err)
		}
	}
	if len(ops) > 0 {
		if err := doc.ApplyOps(ops); err != nil {
			log.Fatalf("Failed to update %s: %v", sname, err)
		}
	}

	diff, err := doc.Diff()
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("Changes to %s: %s\n", sname, diff)
	if printOnly {
		return
	}
	if _, err := doc.Write(); err != nil {
		log.Fatalf("%v", err)
	}
}

func gitClientAuthFromEnv() *gitclient.Auth {
	user := os.Getenv("CBCFLOW_GIT_USER")
	if user == "" {
		return nil
	}
	return &gitclient.Auth{
		Username: user,
		Password: os.Getenv("CBCFLOW_GIT_PASSWORD"),
	}
}

// createStore returns the store to read documents from: the library
// directory itself, or a git revision of it.
func createStore(opts Options, gitURL, ref string) store.Store {
	if gitURL == "" && ref == "" {
		return store.NewDiskStore(opts.LibraryDir)
	}
	var client *gitclient.Client
	var prefix string
	var err error
	if gitURL != "" {
		log.Printf("Retrieving library from git URL %s", gitURL)
		if client, err = gitclient.Clone(gitURL, gitClientAuthFromEnv()); err != nil {
			log.Fatalf("Failed to retrieve git repo: %v", err)
		}
		prefix = opts.LibraryDir
	} else {
		if client, err = gitclient.Open(opts.LibraryDir); err != nil {
			log.Fatalf("%v", err)
		}
		if prefix, err = client.RelPath(opts.LibraryDir); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if ref == "" {
		if ref, err = client.DefaultBranch(); err != nil {
			log.Fatalf("No -ref specified and no default branch found: %v", err)
		}
	}
	st, err := store.NewGitSource(client, ref, prefix).Store("")
	if err != nil {
		log.Fatalf("%v", err)
	}
	return st
}

func runShow(args []string) {
	var opts Options
	fs := flag.NewFlagSet("cbcflow show", flag.ExitOnError)
	opts.register(fs)
	var query, ref, gitURL string
	fs.StringVar(&query, "query", "", "JSONPath expression selecting the values to print, e.g. '$.Info.Labels'")
	fs.StringVar(&ref, "ref", "", "Git branch or tag to read the document from (default: working tree)")
	fs.StringVar(&gitURL, "git-url", "", "URL of a git repository holding the library. -library is the path within it")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: cbcflow show [flags] SNAME\n")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	s := loadSchema(opts)
	st := createStore(opts, gitURL, ref)

	doc, err := metadata.Open(st, "", fs.Arg(0), s)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if doc.IsNew() {
		log.Fatalf("No metadata for %s in the library", doc.Sname())
	}
	var out any = doc.Data()
	if query != "" {
		if out, err = doc.Query(query); err != nil {
			log.Fatalf("%v", err)
		}
	}
	bs, err := jsonutil.MarshalIndent(out)
	if err != nil {
		log.Fatalf("%v", err)
	}
	os.Stdout.Write(bs)
}

func runValidate(args []string) {
	var opts Options
	fs := flag.NewFlagSet("cbcflow validate", flag.ExitOnError)
	opts.register(fs)
	parseFlags(fs, args)

	lib := openLibrary(opts, loadSchema(opts))
	docs, err := lib.LoadAll()
	if err != nil {
		log.Fatalf("Library %s has invalid documents:\n%v", lib.Dir(), err)
	}
	log.Printf("All %d documents in %s are valid", len(docs), lib.Dir())
}

func runIndex(args []string) {
	var opts Options
	fs := flag.NewFlagSet("cbcflow index", flag.ExitOnError)
	opts.register(fs)
	var write, keepExisting, printTable bool
	fs.BoolVar(&write, "write", false, "Write the index file to the library")
	fs.BoolVar(&keepExisting, "keep-existing", false, "Keep superevents and labels of the existing index file")
	fs.BoolVar(&printTable, "print", false, "Print the index as a table")
	parseFlags(fs, args)

	lib := openLibrary(opts, loadSchema(opts))
	if write {
		defer lockLibrary(lib)()
	}
	var idx map[string]any
	var err error
	if keepExisting {
		idx, err = lib.UpdatedIndex()
	} else {
		idx, err = lib.GenerateIndex()
	}
	if err != nil {
		log.Fatalf("Failed to generate index: %v", err)
	}
	if printTable {
		fmt.Println(indexTable(idx))
	}
	if write {
		if _, err := lib.WriteIndex(idx); err != nil {
			log.Fatalf("Failed to write index: %v", err)
		}
		return
	}
	diff, changed, err := lib.IndexDiff(idx)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if changed {
		fmt.Printf("Changes to %s: %s\n", lib.Config().IndexFilename(), diff)
	}
}

func runSync(args []string) {
	var opts Options
	fs := flag.NewFlagSet("cbcflow sync", flag.ExitOnError)
	opts.register(fs)
	var sourceDir string
	var writeIndex bool
	fs.StringVar(&sourceDir, "source-dir", "", "Directory holding one update document <SNAME>.json per superevent")
	fs.BoolVar(&writeIndex, "write-index", true, "Update the index file after syncing")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: cbcflow sync [flags] [SNAME...]\n")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)
	if sourceDir == "" {
		fmt.Fprintln(os.Stderr, "-source-dir is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lib := openLibrary(opts, loadSchema(opts))
	defer lockLibrary(lib)()

	results, err := lib.Sync(ctx, library.DirSource{Dir: sourceDir}, fs.Args())
	fmt.Println(syncTable(results))
	if err != nil {
		log.Fatalf("Sync aborted: %v", err)
	}
	if !writeIndex {
		return
	}
	idx, err := lib.UpdatedIndex()
	if err != nil {
		log.Fatalf("Failed to generate index: %v", err)
	}
	if _, err := lib.WriteIndex(idx); err != nil {
		log.Fatalf("Failed to write index: %v", err)
	}
}

func runRender(args []string) {
	var opts Options
	fs := flag.NewFlagSet("cbcflow render", flag.ExitOnError)
	opts.register(fs)
	var html bool
	var outDir string
	fs.BoolVar(&html, "html", false, "Render HTML instead of Markdown")
	fs.StringVar(&outDir, "out-dir", "", "Write one file per superevent to this directory instead of stdout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: cbcflow render [flags] [SNAME...]\n")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)

	s := loadSchema(opts)
	lib := openLibrary(opts, s)
	snames := fs.Args()
	if len(snames) == 0 {
		var err error
		if snames, err = lib.Downselected(); err != nil {
			log.Fatalf("%v", err)
		}
	}
	ext := ".md"
	if html {
		ext = ".html"
	}
	for _, sname := range snames {
		doc, err := lib.Document(sname)
		if err != nil {
			log.Fatalf("%v", err)
		}
		out := render.Markdown(doc.Data(), s)
		if html {
			if out, err = render.HTML(doc.Data(), s); err != nil {
				log.Fatalf("Failed to render %s: %v", sname, err)
			}
		}
		if outDir == "" {
			os.Stdout.Write(out)
			continue
		}
		if err := os.MkdirAll(outDir, 0755); err != nil {
			log.Fatalf("%v", err)
		}
		if err := os.WriteFile(filepath.Join(outDir, sname+ext), out, 0644); err != nil {
			log.Fatalf("%v", err)
		}
	}
}

// runMerge is meant to be configured as a git merge driver:
//
//	[merge "cbcflow"]
//	  driver = cbcflow merge %O %A %B
//
// It exits with status 1 if the merge has conflicts.
func runMerge(args []string) {
	var opts Options
	fs := flag.NewFlagSet("cbcflow merge", flag.ExitOnError)
	opts.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: cbcflow merge [flags] ANCESTOR BASE HEAD\n")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)
	if fs.NArg() != 3 {
		fs.Usage()
		os.Exit(2)
	}
	res, err := library.MergeFiles(loadSchema(opts), fs.Arg(0), fs.Arg(1), fs.Arg(2))
	if err != nil {
		log.Printf("Merge failed: %v", err)
		os.Exit(2)
	}
	if res.Status == merge.Conflict {
		fmt.Fprintln(os.Stderr, conflictTable(res.Conflicts))
	}
	os.Exit(int(res.Status))
}
