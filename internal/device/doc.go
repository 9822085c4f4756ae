// Package device builds the device descriptor stamped onto records that
// reach enqueue without one.
package device
