package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/memory"
)

// Neo4j writes lineage graphs to a Neo4j database.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j creates a recorder. An empty user disables authentication.
func NewNeo4j(uri, user, password string, logger *zap.Logger) (*Neo4j, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4j{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (n *Neo4j) Ping(ctx context.Context) error {
	return n.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (n *Neo4j) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

// RecordDecision merges the decision node and its CONSULTED and
// USED_STRATEGY edges in one transaction.
func (n *Neo4j) RecordDecision(ctx context.Context, d memory.Decision) error {
	g := Build(d)
	records := make([]map[string]any, 0, len(g.Records))
	for _, r := range g.Records {
		records = append(records, map[string]any{
			"id":     r.ID,
			"source": r.Source,
			"vote":   r.Vote,
			"weight": r.Weight,
		})
	}

	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (d:Decision {id: $id})
			 SET d.timestamp = datetime($ts), d.query = $query, d.asset = $asset,
			     d.recommendation = $rec, d.confidence = $conf,
			     d.signature = $sig, d.degraded = $degraded`,
			map[string]any{
				"id":       g.DecisionID,
				"ts":       g.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z"),
				"query":    g.Query,
				"asset":    g.Asset,
				"rec":      g.Recommendation,
				"conf":     g.Confidence,
				"sig":      g.Signature,
				"degraded": g.Degraded,
			}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx,
			`MATCH (d:Decision {id: $id})
			 UNWIND $records AS r
			 MERGE (m:Record {id: r.id})
			 MERGE (d)-[c:CONSULTED]->(m)
			 SET c.source = r.source, c.vote = r.vote, c.weight = r.weight`,
			map[string]any{"id": g.DecisionID, "records": records}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx,
			`MATCH (d:Decision {id: $id})
			 UNWIND $strategies AS sid
			 MERGE (s:Strategy {id: sid})
			 MERGE (d)-[:USED_STRATEGY]->(s)`,
			map[string]any{"id": g.DecisionID, "strategies": g.Strategies})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	return nil
}

// RecordOutcome links a resolved decision to its outcome.
func (n *Neo4j) RecordOutcome(ctx context.Context, d memory.Decision) error {
	if d.Outcome == nil {
		return nil
	}
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (d:Decision {id: $id})
		 MERGE (o:Outcome {decision_id: $id})
		 SET o.label = $label, o.reward = $reward, o.resolved_at = datetime($resolved)
		 MERGE (d)-[:RESOLVED_AS]->(o)`,
		map[string]any{
			"id":       d.ID,
			"label":    d.Outcome.Label,
			"reward":   d.Outcome.Reward,
			"resolved": d.Outcome.ResolvedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"),
		})
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", d.ID, err)
	}
	return nil
}

// DecisionsConsulting returns the ids of decisions that cited recordID,
// newest first.
func (n *Neo4j) DecisionsConsulting(ctx context.Context, recordID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (d:Decision)-[:CONSULTED]->(:Record {id: $rid})
		 RETURN d.id ORDER BY d.timestamp DESC LIMIT $limit`,
		map[string]any{"rid": recordID, "limit": limit})
	if err != nil {
		return nil, err
	}
	var ids []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("d.id")
		if s, ok := id.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, result.Err()
}

// StrategyStats returns, per strategy, how many resolved decisions used it
// and their mean reward.
func (n *Neo4j) StrategyStats(ctx context.Context) (map[string]Stat, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Strategy)<-[:USED_STRATEGY]-(:Decision)-[:RESOLVED_AS]->(o:Outcome)
		 RETURN s.id AS id, count(o) AS n, avg(o.reward) AS mean`, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Stat)
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		count, _ := rec.Get("n")
		mean, _ := rec.Get("mean")
		sid, _ := id.(string)
		c, _ := count.(int64)
		m, _ := mean.(float64)
		out[sid] = Stat{Resolved: int(c), MeanReward: m}
	}
	return out, result.Err()
}

// Stat summarizes resolved decisions for one strategy.
type Stat struct {
	Resolved   int     `json:"resolved"`
	MeanReward float64 `json:"mean_reward"`
}
