/*
Package nexusctl is a tool for exporting the artifact contents of a Sonatype
Nexus Repository server to local disk.

nexusctl walks every repository on the server, pages through its component
catalog and downloads each asset into a directory tree laid out as
<dir>/<repository>/<asset path>. Features include:
  - Resumable exports: assets already present with the declared size are skipped
  - A process-wide ceiling on concurrent transfers
  - Atomic placement of downloaded files
  - Per-repository and run-wide throughput summaries
  - A structured log of every download, skip and failure

The main packages are:

	github.com/mirrorctl/nexusctl/internal/nexus   - Nexus REST model and authenticated HTTP client
	github.com/mirrorctl/nexusctl/internal/mirror  - Export orchestration, storage and statistics
	github.com/mirrorctl/nexusctl/cmd/nexusctl     - Command-line interface
*/
package nexusctl
