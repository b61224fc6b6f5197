// Package model defines domain data structures shared by the tracking core:
// tasks with their stages, metrics and timeline, notification subscribers,
// fan-out notifications, the persisted task snapshot and the error taxonomy.
package model
