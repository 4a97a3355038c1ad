package mcpserver

// TagSyntax describes the annotation format the scanner recognises.
const TagSyntax = `# Tag Syntax

The ledger tracks annotations written directly in source files.

## Tags

- ` + "`" + `NOTE(vNext): <slug>` + "`" + ` opens or re-sights a note.
- ` + "`" + `DONE(vNext): <slug>` + "`" + ` marks the note done on the next scan.

The marker is case-insensitive. The slug is everything after the colon up to
the next whitespace and may contain slashes (` + "`" + `team/cache-ttl` + "`" + `). Slugs
longer than 500 characters are ignored.

## Scans

- A **diff** scan only reads files whose size or modification time changed.
- A **full** scan reads every file. Notes that were not sighted become
  ` + "`" + `stale` + "`" + `, stale notes that were sighted again reopen, and bookkeeping for
  deleted files is dropped.

## Statuses

` + "`" + `open` + "`" + `, ` + "`" + `done` + "`" + ` and ` + "`" + `stale` + "`" + `. Priorities run from 1 to 3.

## Example

` + "```" + `python
# NOTE(vNext): cache-ttl make the TTL configurable
CACHE_TTL = 30
` + "```" + `
`
