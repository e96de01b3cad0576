// Package stripe maps file byte offsets onto a round-robin (RAID0-like)
// layout: consecutive chunk-sized pieces of a file go to targets
// 0..stripes-1 in rotation and every target stores its pieces back to back.
//
// All functions are pure and expect validated inputs (offsets >= 0,
// chunk size > 0, stripe count > 0).
package stripe

// Locate translates a file offset into the index of the target holding it
// and the offset inside that target's object.
func Locate(fileOffset int64, chunkSize, stripeCount int) (targetIndex int, targetOffset int64) {
	chunk := int64(chunkSize)
	chunkNumber := fileOffset / chunk
	stripeNumber := chunkNumber / int64(stripeCount)
	targetIndex = int(chunkNumber % int64(stripeCount))
	targetOffset = stripeNumber*chunk + fileOffset%chunk
	return targetIndex, targetOffset
}

// FirstExtentSize returns the length of the first, possibly partial, extent
// of a request. Every extent after it is a whole chunk or the remainder.
func FirstExtentSize(bytesLeft int64, offsetInChunk int64, chunkSize int) int64 {
	chunk := int64(chunkSize)
	if offsetInChunk > 0 {
		avail := chunk - offsetInChunk%chunk
		return min(bytesLeft, avail)
	}
	return min(bytesLeft, chunk)
}

// Extent is one contiguous piece of a request that lives on a single target.
type Extent struct {
	Target       int
	TargetOffset int64
	FileOffset   int64
	// BufOffset is the position of the extent inside the caller's buffer.
	BufOffset int64
	Length    int64
}

// Plan splits a request of count bytes at fileOffset into extents, in
// increasing file-offset order.
func Plan(fileOffset, count int64, chunkSize, stripeCount int) []Extent {
	if count <= 0 {
		return nil
	}
	extents := make([]Extent, 0, count/int64(chunkSize)+2)

	size := FirstExtentSize(count, fileOffset%int64(chunkSize), chunkSize)
	var done int64
	for done < count {
		target, targetOffset := Locate(fileOffset+done, chunkSize, stripeCount)
		extents = append(extents, Extent{
			Target:       target,
			TargetOffset: targetOffset,
			FileOffset:   fileOffset + done,
			BufOffset:    done,
			Length:       size,
		})
		done += size
		size = min(count-done, int64(chunkSize))
	}
	return extents
}

// LogicalSize recovers the file size from the object lengths reported by
// each target, indexed like the layout's object list.
func LogicalSize(targetLengths []int64, chunkSize, stripeCount int) int64 {
	chunk := int64(chunkSize)
	var size int64
	for target, length := range targetLengths {
		if length <= 0 {
			continue
		}
		last := length - 1
		chunkNumber := (last/chunk)*int64(stripeCount) + int64(target)
		if end := chunkNumber*chunk + last%chunk + 1; end > size {
			size = end
		}
	}
	return size
}
