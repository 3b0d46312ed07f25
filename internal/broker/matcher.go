package broker

import "github.com/mossy-p/stranger-signaling/internal/models"

// LivenessFunc reports whether identity still has a live signaling channel.
type LivenessFunc func(identity string) bool

func alwaysLive(string) bool { return true }

// FindMatch scans the queue for the best partner for identity and removes
// the chosen entry from the queue.
//
// Candidates of a different mode are skipped. Candidates whose channel is no
// longer live are pruned from the queue and reported in pruned. Among the
// rest, the highest count of shared interests wins; the scan keeps only
// strict improvements, so ties go to the earliest queued entry and, when
// nobody shares an interest, the first compatible entry is chosen.
func (q *Queue) FindMatch(identity string, interests []string, mode models.Mode, live LivenessFunc) (match *WaitingEntry, pruned []string) {
	if live == nil {
		live = alwaysLive
	}
	wanted := NormalizeInterests(interests)

	bestIdx, bestScore := -1, -1
	for i := 0; i < len(q.entries); {
		candidate := q.entries[i]
		if candidate.Identity == identity || candidate.Mode != mode {
			i++
			continue
		}
		if !live(candidate.Identity) {
			q.removeAt(i)
			pruned = append(pruned, candidate.Identity)
			continue
		}
		if score := candidate.sharedWith(wanted); score > bestScore {
			bestScore = score
			bestIdx = i
		}
		i++
	}

	if bestIdx == -1 {
		return nil, pruned
	}
	return q.removeAt(bestIdx), pruned
}
