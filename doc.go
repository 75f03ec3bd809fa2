// Package wepoll implements epoll(7) style readiness notification on top of a
// completion based socket poll driver, such as the Windows AFD poll IOCTL.
//
// A [Port] is the equivalent of an epoll instance. Sockets are registered with
// [Port.Ctl] (or [Port.Add], [Port.Modify] and [Port.Delete]) and ready events
// are retrieved with [Port.Wait]. Each registered socket is represented by a
// [Socket], which tracks the caller's interest mask and at most one live
// [PollRequest] submitted to the [Driver]. When the driver completes a
// request, the completion router feeds it back to the socket, which
// translates the driver flags into [Events] and queues the socket for
// delivery.
//
// # Lifetime
//
// Sockets and ports are torn down through [reflock.RefLock]. Deleting a
// socket blocks until every poll request it has submitted has been fed back,
// either as a real completion or as a cancellation acknowledgement, so the
// completion router (or the caller, see [WithCompletionRouting]) must keep
// draining [Driver.Completions] while a delete is in progress.
//
// # Triggering
//
// Sockets are level-triggered: after [Port.Wait] reports an event, a new poll
// request is armed. [EPOLLONESHOT] disarms the socket after one report, until
// it is modified. [EPOLLET] is not supported.
package wepoll
