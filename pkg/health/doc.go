/*
Package health probes whether a started instance is actually serving.

An HTTPChecker performs one bounded request; NewUIChecker builds the checker
for an instance's published UI port, where any non-5xx answer counts.

WaitReady turns a Checker into a cancellable readiness loop: one attempt every
Interval, each capped at AttemptTimeout, the whole wait capped at Deadline.
Running out of time yields a ui_not_ready error, which callers surface as
"started but not serving yet" rather than a generic failure. OnTick lets the
caller narrate the wait:

	err := health.WaitReady(ctx, health.NewUIChecker(8080), health.PollOptions{
		Interval:       450 * time.Millisecond,
		AttemptTimeout: 350 * time.Millisecond,
		Deadline:       60 * time.Second,
		OnTick: func(elapsed time.Duration, _ health.Result) {
			report(fmt.Sprintf("Waiting for UI (%ds)", int(elapsed.Seconds())))
		},
	})
*/
package health
