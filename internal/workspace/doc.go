// Package workspace manages the on-disk output layout rooted at
// BASE_OUTPUT_DIR: cloned_repos/, restored_files/{org}/{repo}/,
// dangling_blobs/{org}/{repo}/, and scanner result directories. It also
// manages ephemeral (timestamped) and persistent (fixed-path) workspace
// directories, supporting both one-time runs and long-lived daemon state.
package workspace
