// Package tracking turns per-frame detector output into ID-stable tracks.
//
// Each track carries a constant-velocity Kalman filter over its bounding box
// (BoxKalmanFilter). TrackStore associates detections to filter predictions
// with a greedy IoU policy, confirms tracks after a run of consecutive hits,
// retains recently lost tracks for a few frames and purges ghosts that no
// current detection is near.
//
// A TrackStore is not safe for concurrent use; each camera session owns one
// and calls Update from its control loop.
package tracking
