// Package relay queues push notifications per station and delivers them as
// 802.11 action frames.
//
// An Engine is not safe for concurrent use. Every method, including the
// callbacks it schedules, must run on the same goroutine; wipushd runs it on
// its event loop.
//
// Delivery is best effort:
//   - unicast messages leave the queue when handed to the driver, whatever
//     the driver reports;
//   - broadcast messages stay queued until deleted or expired, and each
//     station keeps a watermark of the newest broadcast it was sent;
//   - a station that stays away for the node timeout is forgotten together
//     with its watermark.
package relay
