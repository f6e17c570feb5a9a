// Package indexer keeps a workspace's store in step with the files on disk.
//
// The indexer walks a workspace root, fingerprints every candidate file and
// only extracts and commits the files whose content changed.
//
// # Basic Usage
//
//	idx := indexer.New(extractor.NewRegistry(), router, pipeline, indexer.DefaultConfig(), logger)
//
//	stats, err := idx.Run(ctx, indexer.Target{ID: id, Root: "/path/to/project"}, indexer.Options{})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("changed %d, skipped %d, deleted %d\n",
//	    stats.FilesChanged, stats.FilesSkipped, stats.FilesDeleted)
//
// # Incremental Indexing
//
// File change detection uses xxhash content fingerprints compared with the
// fingerprints recorded in the store. Unchanged files never reach an
// extractor or the pipeline. Files recorded in the store but missing from
// disk are committed as deletions. Options.Force re-extracts everything.
//
// Discovery skips hidden directories (including .julie), vendor and
// node_modules, files without an extractor, files over MaxFileSize and
// paths matched by the Exclude globs. When Include globs are set a file must
// match one of them.
//
// # Concurrent Processing
//
// Changed files are extracted BatchSize at a time by an errgroup limited to
// Workers goroutines, and each batch is committed as one transaction.
// Cancelling the context abandons the batch being extracted before it is
// committed. Only one full Run per workspace may be active; a second one
// fails with types.ErrIndexingInProgress.
//
// # Error Handling
//
// Per-file failures are contained:
//   - Syntax errors: the partial result is committed and counted in ExtractErrors
//   - Read errors: the file is skipped and retried on the next run
//
// Both are listed in Statistics.ErrorMessages. Run only returns an error for
// store, commit or cancellation failures.
//
// # Background Work
//
// Queue runs tasks one at a time per workspace, in submission order.
// Watcher observes the Primary workspace with fsnotify, coalesces events per
// path over a debounce window and queues a single IndexPaths task per window.
package indexer
