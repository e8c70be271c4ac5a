package mcpserver

// DocumentFormat describes the markdown document format that LLM consumers
// should follow when creating or editing tracked documents.
const DocumentFormat = `# trellis Document Format

Every tracked document is a markdown file with a YAML frontmatter block.

## Structure

` + "```" + `markdown
---
id: TBSWQN                  # REQUIRED - allocate with the allocate_ids tool
name: Human-readable name   # OPTIONAL - falls back to the first "# " heading
status: open                # OPTIONAL
kind: task                  # OPTIONAL
priority: 2                 # OPTIONAL - 0 (highest) to 4, default 2
labels: [api, backend]      # OPTIONAL
blocked-by: [TBTWQN]        # OPTIONAL - ids this document waits on
blocking: []                # OPTIONAL
discovered-from: []         # OPTIONAL
context-for: [api]          # OPTIONAL - include me when assembling context
                            #            for documents carrying these labels
context-priority: 0         # OPTIONAL - higher is considered first
context-position: 0         # OPTIONAL - <0 before the target, >0 after
---

Body text in standard markdown. Reference other documents by id:
[the parser work](TBTWQN) or [see](../other/doc.md#TBTWQN).
` + "```" + `

## Rules

1. **Frontmatter is mandatory.** The ` + "`---`" + ` fence must be the first line.
2. **Identifiers are never reused.** Always allocate them; do not invent them.
3. **Links name ids, not paths.** A path before ` + "`#`" + ` is a hint that
   ` + "`check`" + ` reports as stale when the target moves.
4. **A directory's root document** has the same stem as the directory
   (` + "`api/api.md`" + ` or ` + "`api/_api.md`" + `). Roots are included in the
   context of everything below them.
5. **Closed documents** live under a ` + "`.closed/`" + ` directory.
6. **Encoding** is UTF-8 with a trailing newline.
`
