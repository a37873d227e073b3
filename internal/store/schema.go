package store

const schema = `
CREATE TABLE IF NOT EXISTS token_transfer (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payment_id TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	receiver_addr TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	token_addr TEXT,
	token_amount TEXT NOT NULL,
	tx_id INTEGER,
	fee_paid TEXT,
	paid_date TEXT,
	error TEXT,
	created_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tx (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	nonce INTEGER,
	gas_limit INTEGER,
	max_fee_per_gas TEXT,
	priority_fee TEXT,
	val TEXT NOT NULL,
	call_data TEXT,
	signed_raw_data TEXT,
	tx_hash TEXT,
	broadcast_count INTEGER NOT NULL DEFAULT 0,
	created_date TEXT NOT NULL,
	first_processed TEXT,
	signed_date TEXT,
	broadcast_date TEXT,
	first_stuck_date TEXT,
	confirm_date TEXT,
	block_number INTEGER,
	chain_status INTEGER,
	fee_paid TEXT,
	gas_used INTEGER,
	effective_gas_price TEXT,
	error TEXT,
	orig_tx_id INTEGER,
	processing INTEGER NOT NULL DEFAULT 1,
	engine_message TEXT,
	engine_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_tx_sender_chain ON tx (from_addr, chain_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_hash ON tx (tx_hash) WHERE tx_hash IS NOT NULL;

CREATE TABLE IF NOT EXISTS chain_tx (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_hash TEXT NOT NULL UNIQUE,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	gas_limit INTEGER,
	gas_used INTEGER,
	block_number INTEGER,
	chain_status INTEGER NOT NULL,
	fee_paid TEXT,
	effective_gas_price TEXT,
	blockchain_date TEXT,
	checked_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_transfer (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_tx_id INTEGER NOT NULL REFERENCES chain_tx(id),
	from_addr TEXT NOT NULL,
	receiver_addr TEXT NOT NULL,
	token_addr TEXT,
	token_amount TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS allowance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	token_addr TEXT NOT NULL,
	spender TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	allowance TEXT NOT NULL,
	allowance_after TEXT,
	fee_paid TEXT,
	tx_id INTEGER,
	confirmed_date TEXT,
	created_date TEXT NOT NULL,
	expires_date TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_allowance_key ON allowance (owner, token_addr, spender, chain_id);

CREATE TABLE IF NOT EXISTS transfer_in (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payment_id TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	receiver_addr TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	token_addr TEXT,
	token_amount TEXT NOT NULL,
	tx_hash TEXT,
	requested_date TEXT NOT NULL,
	received_date TEXT
);

CREATE TABLE IF NOT EXISTS scan_info (
	chain_id INTEGER NOT NULL,
	filter TEXT NOT NULL,
	start_block INTEGER NOT NULL,
	last_block INTEGER NOT NULL,
	PRIMARY KEY (chain_id, filter)
);
`
