package cycle

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BACKGROUND JOBS - Chunked work on a locked cycle
// =============================================================================
// A job is a list of chunks. Each chunk commits in its own unit of work under
// the cycle lock, so chunks and cycle operations never interleave. Workers
// bounds the chunks in flight. When all chunks are done (or one failed) the
// cycle is unlocked through MarkImportDone.

type chunk func(ctx context.Context) error

// launch starts a job detached from the caller's cancellation.
func (m *Manager) launch(ctx context.Context, rc RequestContext, id CycleID, op Operation, done string, chunks []chunk) {
	ctx = context.WithoutCancel(ctx)
	log := m.logger(rc, id, op).WithField("chunks", len(chunks))
	log.Info("background job started")

	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(m.Workers, 1))
		for _, c := range chunks {
			g.Go(func() error {
				defer m.locks.lock(id)()
				return c(gctx)
			})
		}

		message := done
		if err := g.Wait(); err != nil {
			log.WithError(err).Error("background job failed")
			message = fmt.Sprintf("%s failed: %v", op, err)
		}
		if _, err := m.MarkImportDone(ctx, rc, id, message); err != nil {
			log.WithError(err).Error("unlock cycle after background job")
		}
	}()
}

func (m *Manager) chunkSize() int {
	if m.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return m.ChunkSize
}

// importChunks splits partners into membership inserts.
func (m *Manager) importChunks(id CycleID, partners []PartnerID, state MembershipState) []chunk {
	size := m.chunkSize()
	var chunks []chunk
	for start := 0; start < len(partners); start += size {
		part := partners[start:min(start+size, len(partners))]
		chunks = append(chunks, func(ctx context.Context) error {
			return m.Store.WithTx(ctx, func(tx Store) error {
				return tx.AddMemberships(ctx, m.memberships(id, part, state))
			})
		})
	}
	return chunks
}

// prepareChunks pages through the enrolled memberships in id order.
func (m *Manager) prepareChunks(c Cycle, em EntitlementManager, total int) []chunk {
	size := m.chunkSize()
	var chunks []chunk
	for offset := 0; offset < total; offset += size {
		chunks = append(chunks, func(ctx context.Context) error {
			return m.Store.WithTx(ctx, func(tx Store) error {
				members, err := tx.ListMemberships(ctx, c.id, MembershipQuery{
					States: []MembershipState{MemberEnrolled},
					Offset: offset,
					Limit:  size,
					Order:  "id",
				})
				if err != nil {
					return err
				}
				return em.Prepare(ctx, tx, c, members)
			})
		})
	}
	return chunks
}
