// Package fulfill drives orders to settlement and delivers their completed
// items as local artifacts.
package fulfill

import (
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/espa"
)

// Classification partitions one poll's items by status.
type Classification struct {
	Complete []espa.Item
	Error    []espa.Item
	Active   []espa.Item
}

// Classify partitions items. Anything not complete or error is active.
func Classify(items []espa.Item) Classification {
	var c Classification
	for _, item := range items {
		switch item.Status {
		case espa.StatusComplete:
			c.Complete = append(c.Complete, item)
		case espa.StatusError:
			c.Error = append(c.Error, item)
		default:
			c.Active = append(c.Active, item)
		}
	}
	return c
}

// Settled reports whether no item is still being processed.
func (c Classification) Settled() bool {
	return len(c.Active) == 0
}

// Counts returns the number of items per status.
func (c Classification) Counts() map[string]int {
	counts := map[string]int{
		espa.StatusQueued:     0,
		espa.StatusProcessing: 0,
		espa.StatusCached:     0,
		espa.StatusComplete:   len(c.Complete),
		espa.StatusError:      len(c.Error),
	}
	for _, item := range c.Active {
		counts[item.Status]++
	}
	return counts
}
