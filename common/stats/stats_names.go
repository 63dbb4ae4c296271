package stats

/*
Names of every metric the scheduler records. Queue metrics live under the
"queue/<name>" scope, server metrics at the root. Add new names here.
*/

const (
	/************************* Queue operation metrics **************************/
	/*
		jobs accepted by SUBMIT, counting every job of a batch
	*/
	NSSubmitCounter = "submitCounter"

	/*
		batch submissions, each adding one or more jobs
	*/
	NSBatchSubmitCounter = "batchSubmitCounter"

	/*
		jobs handed to workers by GET, JXCG or WGET
	*/
	NSGetJobCounter = "getJobCounter"

	/*
		worker requests that found nothing to run
	*/
	NSGetJobEmptyCounter = "getJobEmptyCounter"

	/*
		results stored by PUT
	*/
	NSPutResultCounter = "putResultCounter"

	/*
		failures reported by FPUT, including those that requeue the job
	*/
	NSFailCounter = "failCounter"

	/*
		jobs returned to pending by RETURN
	*/
	NSReturnCounter = "returnCounter"

	/*
		jobs canceled, one per job for group and batch cancels
	*/
	NSCancelCounter = "cancelCounter"

	/*
		jobs handed to readers by READ
	*/
	NSReadCounter = "readCounter"

	/*
		read confirmations (CFRM)
	*/
	NSConfirmReadCounter = "confirmReadCounter"

	/*
		read failures (FRED) and rollbacks (RDRB)
	*/
	NSFailReadCounter     = "failReadCounter"
	NSRollbackReadCounter = "rollbackReadCounter"

	/*
		rollbacks of GET, SUBMIT and READ whose reply never reached the client
	*/
	NSRollbackCounter = "rollbackCounter"

	/*
		running and reading jobs released because their client came back
		with a new session or was cleared
	*/
	NSSessionChangeCounter = "sessionChangeCounter"

	/*
		operations rejected with a protocol error, e.g. an unknown job or a
		bad auth token
	*/
	NSRejectedCounter = "rejectedCounter"

	/*
		storage transactions that failed and left the queue unchanged
	*/
	NSStorageErrCounter = "storageErrCounter"

	/************************* Background loop metrics **************************/
	/*
		running or reading jobs whose run timeout expired
	*/
	NSRunTimeoutCounter = "runTimeoutCounter"

	/*
		jobs whose total lifetime expired and were marked for deletion
	*/
	NSExpiredCounter = "expiredCounter"

	/*
		jobs physically removed from the store by the purge loop
	*/
	NSDeletedCounter = "deletedCounter"

	/*
		time spent in one execution-watch pass and one purge pass
	*/
	NSExecWatchLatency_ms = "execWatchLatency_ms"
	NSPurgeLatency_ms     = "purgeLatency_ms"

	/************************* Notification metrics **************************/
	/*
		UDP notifications sent to listeners and the ones the socket refused
	*/
	NSNotificationsSentCounter   = "notificationsSentCounter"
	NSNotificationsFailedCounter = "notificationsFailedCounter"

	/*
		listeners currently registered, active and passive together
	*/
	NSListenersGauge = "listenersGauge"

	/************************* Registry gauges **************************/
	/*
		number of jobs per status, reported as jobs/<Status>
	*/
	NSJobsGaugePrefix = "jobs"

	NSClientsGauge    = "clientsGauge"
	NSAffinitiesGauge = "affinitiesGauge"
	NSGroupsGauge     = "groupsGauge"

	/************************* Server metrics **************************/
	/*
		queues loaded at startup
	*/
	NSQueuesGauge = "queuesGauge"

	/*
		1 for a short while after the daemon starts, 0 afterwards
	*/
	NSServerStartedGauge = "serverStartedGauge"

	/*
		daemon uptime
	*/
	NSServerUptimeGauge_ms = "serverUptimeGauge_ms"

	/*
		admin HTTP requests served, by handler
	*/
	NSAdminRequestCounter = "adminRequestCounter"
)
