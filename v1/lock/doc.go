// Package lock provides quorum-based distributed mutual exclusion. A Manager
// fans out to N independent lock authorities (Redis instances, or in-process
// stores for tests) and owns a lease only while a majority of them accept it
// within the TTL, so a minority of failed or partitioned authorities never
// blocks nor corrupts exclusivity.
package lock
