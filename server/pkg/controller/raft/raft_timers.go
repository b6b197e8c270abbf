package raft

// Tick advances the logical clock by one unit. Followers and candidates start
// an election when the randomized timeout expires; the leader sends heartbeats
// and steps down if it has not heard from a quorum within an election timeout.
func (r *Raft) Tick() {
	if r.state == Leader {
		r.tickHeartbeat()
		return
	}
	r.tickElection()
}

func (r *Raft) tickElection() {
	r.electionElapsed++
	if r.electionElapsed >= r.randomizedElectionTimeout {
		r.electionElapsed = 0
		r.logger.Debug("election timeout elapsed", "term", r.term)
		r.campaign()
	}
}

func (r *Raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if !r.checkQuorum() {
			r.logger.Warn("lost contact with quorum, stepping down", "term", r.term)
			r.becomeFollower(r.term, "")
			return
		}
	}

	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		r.bcastAppend()
	}
}

// checkQuorum reports whether a quorum responded since the last check and
// clears the activity flags.
func (r *Raft) checkQuorum() bool {
	active := 0
	for id, pr := range r.prs {
		if id == r.id {
			active++
			continue
		}
		if pr.RecentActive {
			active++
		}
		pr.RecentActive = false
	}
	return active >= r.quorum()
}

func (r *Raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTimeout + r.rand.Intn(r.electionTimeout)
}
