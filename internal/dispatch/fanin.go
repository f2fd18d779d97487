package dispatch

import (
	"sync"

	"github.com/jviau/durabletask-go/internal/queue"
)

// sourcedItem pairs a work item with the source that produced it, so the
// dispatcher can release the source's in-flight slot once the item is
// done.
type sourcedItem struct {
	item   queue.WorkItem
	source *queue.Source
}

// fanIn multiplexes every source's reader into one channel. The returned
// channel closes once every source's reader has closed (each source closes
// its reader when its Run exits).
func fanIn(sources []*queue.Source) <-chan sourcedItem {
	out := make(chan sourcedItem)
	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Add(1)
		go func(src *queue.Source) {
			defer wg.Done()
			for item := range src.Reader() {
				out <- sourcedItem{item: item, source: src}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
