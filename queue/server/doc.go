/*
package server holds the in-memory coordination core of a job queue.

Queue is the entry point. It owns a StatusTracker (job id -> status), the
registries that intern affinity and group tokens, the ClientRegistry of
submitters, workers and readers, the NotificationList of waiting GET and
READ listeners, and a GCRegistry that tracks job lifetimes.

Every change is written to the Store first and applied in memory only
after the transaction commits. Locks are taken in this order: the queue
op lock, then NotificationList, then ClientRegistry, then the leaf
registries.

Server groups queues by name and runs their background loops: the
execution watcher, expired job purging, statistics refresh and listener
notification.
*/
package server
