package main

// schemaStatements creates every table the C7 record operations read and
// write, mirroring the column set backend's query builders assume. Run by
// `latticectl shard bootstrap` against a freshly provisioned shard.
var schemaStatements = []string{
	`create table if not exists id_sequence (
		shard_num int primary key,
		counter bigint not null
	)`,
	`create table if not exists entity (
		id bigint primary key,
		ctx int not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null
	)`,
	`create table if not exists node (
		id bigint primary key,
		ctx int not null,
		value text null,
		num bigint null,
		flags smallint unsigned not null default 0,
		time_removed datetime null
	)`,
	`create table if not exists node_edge (
		base_id bigint not null,
		ctx int not null,
		child_id bigint not null,
		pos int not null,
		time_removed datetime null,
		primary key (base_id, ctx, child_id)
	)`,
	`create table if not exists property (
		base_id bigint not null,
		ctx int not null,
		value text null,
		num bigint null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (base_id, ctx)
	)`,
	`create table if not exists alias (
		base_id bigint not null,
		ctx int not null,
		value text not null,
		pos int not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (base_id, ctx, value(191))
	)`,
	`create table if not exists alias_lookup (
		hash varbinary(20) not null,
		ctx int not null,
		base_id bigint not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (hash, ctx)
	)`,
	`create table if not exists name (
		base_id bigint not null,
		ctx int not null,
		value varchar(255) not null,
		pos int not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (base_id, ctx, value)
	)`,
	`create table if not exists prefix_lookup (
		value varchar(255) not null,
		ctx int not null,
		base_id bigint not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (value, ctx, base_id)
	)`,
	`create table if not exists phonetic_lookup (
		code char(4) not null,
		value varchar(255) not null,
		ctx int not null,
		base_id bigint not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (code, value, ctx, base_id)
	)`,
	`create table if not exists relationship (
		base_id bigint not null,
		rel_id bigint not null,
		ctx int not null,
		forward bool not null,
		pos int not null,
		flags smallint unsigned not null default 0,
		time_removed datetime null,
		primary key (base_id, rel_id, ctx, forward)
	)`,
}
