package sqlinline

// Job documents are stored whole in jobs.document; the scalar columns mirror
// the fields the queue filters and orders on.

const QJobInsert = `--sql c099b2d8-e99b-4b2b-bc67-859c23e835af
insert into jobs (id, type, user_id, status, priority_rank, created_at, updated_at, started_at, scheduled_at, document)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
on conflict (id) do nothing;
`

const QJobUpdate = `--sql 28d7ab8b-7e95-4820-9c28-a37af07c90c7
update jobs
set user_id = $2,
    status = $3,
    priority_rank = $4,
    updated_at = $5,
    started_at = $6,
    scheduled_at = $7,
    document = $8
where id = $1;
`

const QJobUpdateIfStatus = `--sql 695b5720-0a96-4186-8def-c9c244572729
update jobs
set user_id = $2,
    status = $3,
    priority_rank = $4,
    updated_at = $5,
    started_at = $6,
    scheduled_at = $7,
    document = $8
where id = $1
  and status = $9;
`

const QJobSelectByID = `--sql d34ddf47-74b5-481e-a70e-887b52992d7e
select document
from jobs
where id = $1;
`

const QJobNextPending = `--sql 2dd83c3f-a598-470d-8830-624bd31b619a
select document
from jobs
where status = 'pending'
  and (scheduled_at is null or scheduled_at <= $1)
order by priority_rank desc, created_at asc, id asc
limit $2;
`

const QJobStaleProcessing = `--sql 29fa212d-e32d-415f-943d-58a42904e666
select document
from jobs
where status = 'processing'
  and coalesce(started_at, updated_at) < $1;
`

// QJobPromoteScheduled takes $1 as the promotion time and $2 as its JSON text.
const QJobPromoteScheduled = `--sql 0c6ed9be-d878-4175-8dad-88a97c7cd092
update jobs
set status = 'pending',
    updated_at = $1,
    document = (document || jsonb_build_object('status', 'pending', 'updatedAt', $2::text)) - 'completedAt'
where status = 'queued'
  and scheduled_at is not null
  and scheduled_at <= $1
returning document;
`

// QJobClaimPending is the only way a job enters processing; the status guard
// makes concurrent claims of one job resolve to a single winner.
const QJobClaimPending = `--sql 19fb3435-1ce7-4310-b73b-39f62f7b6f0c
update jobs
set status = 'processing',
    updated_at = $2,
    started_at = $2,
    document = (document || jsonb_build_object('status', 'processing', 'updatedAt', $3::text, 'startedAt', $3::text)) - 'completedAt'
where id = $1
  and status = 'pending'
returning document;
`

const QJobCountByStatus = `--sql db0dcb9e-504d-4e3f-8b20-ee4a104733ac
select status, count(*)
from jobs
group by status;
`

// QJobFindBase is extended with a where clause by the store.
const QJobFindBase = `--sql 5f0e3a5a-b921-47c9-895d-666311dc4f85
select document
from jobs`

const QJobPing = `--sql cacfd89c-3c37-437c-a160-2c0afd52443c
select 1;
`
