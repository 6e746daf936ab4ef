/*
Package invocation sends operations to partition replicas and retries them.

An invocation gets a call id from the Registry which stays the same for all of its
attempts. Every attempt asks the TargetResolver for the node to send to, so an
invocation addressed by PartitionOwnerTarget follows an owner change while a
FixedTarget keeps sending to the same node.

Outcome of an attempt:

  - a successful reply completes the Future
  - a reply carrying a RemoteError (or any other non retryable error) fails the Future
  - a RetryableError reply or a failed send schedules the next attempt on the clock

Replies are matched by call id and attempt. A reply for an older attempt, a reply
that arrives while a retry is scheduled and any reply after completion are dropped.
Once the attempts are used up the Future fails with an ExhaustedError wrapping the
last retryable error. An optional absolute deadline fails the Future with
ErrDeadlineExceeded.

Usage:

	reg := invocation.NewRegistry(sender, clockwork.NewRealClock(), invocation.Options{
		MaxAttempts: 5,
		Pause:       500 * time.Millisecond,
	})
	f := reg.Invoke(op, invocation.PartitionOwnerTarget{Table: table, PartitionID: pid}, invocation.Options{})
	res, err := f.Get(ctx)

The transport is responsible for turning incoming responses into Replies and passing
them to Registry.HandleReply.
*/
package invocation
