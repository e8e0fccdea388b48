package runstore

const schema = `
CREATE TABLE IF NOT EXISTS negotiations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    counterpart TEXT,
    products TEXT NOT NULL,
    max_rounds INTEGER NOT NULL DEFAULT 20,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS queues (
    id TEXT PRIMARY KEY,
    negotiation_id TEXT NOT NULL REFERENCES negotiations(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    total_simulations INTEGER NOT NULL,
    completed_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    max_concurrent INTEGER NOT NULL DEFAULT 3,
    actual_cost_usd REAL NOT NULL DEFAULT 0,
    recovery_checkpoint TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_queues_negotiation ON queues(negotiation_id);
CREATE INDEX IF NOT EXISTS idx_queues_status ON queues(status);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    queue_id TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
    negotiation_id TEXT NOT NULL,
    technique TEXT NOT NULL,
    tactic TEXT NOT NULL,
    personality TEXT NOT NULL,
    zopa_distance TEXT NOT NULL,
    execution_order INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    outcome TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    total_rounds INTEGER NOT NULL DEFAULT 0,
    conversation_log TEXT,
    final_offer TEXT,
    deal_value REAL NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    UNIQUE(queue_id, execution_order)
);

CREATE INDEX IF NOT EXISTS idx_runs_queue ON runs(queue_id);
CREATE INDEX IF NOT EXISTS idx_runs_queue_status ON runs(queue_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_negotiation ON runs(negotiation_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS dimension_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    product_id TEXT NOT NULL,
    dimension_id TEXT NOT NULL,
    name TEXT NOT NULL,
    target REAL NOT NULL,
    achieved_value REAL NOT NULL,
    achieved BOOLEAN NOT NULL DEFAULT FALSE,
    distance_abs REAL NOT NULL DEFAULT 0,
    distance_pct REAL NOT NULL DEFAULT 0,
    weighted_score REAL NOT NULL DEFAULT 0,
    UNIQUE(run_id, product_id, dimension_id)
);

CREATE INDEX IF NOT EXISTS idx_dimension_results_run ON dimension_results(run_id);

CREATE TABLE IF NOT EXISTS product_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    product_id TEXT NOT NULL,
    name TEXT NOT NULL,
    deal_value REAL NOT NULL DEFAULT 0,
    dimension_count INTEGER NOT NULL DEFAULT 0,
    achieved_count INTEGER NOT NULL DEFAULT 0,
    UNIQUE(run_id, product_id)
);

CREATE INDEX IF NOT EXISTS idx_product_results_run ON product_results(run_id);
`
