/*
Package s3 stores directory entities as JSON documents in an S3 bucket.

# Layout

Each entity lives at a single object key:

	<prefix><id>.json

The prefix defaults to "entities/". Filter reads list the prefix, fetch every document
concurrently through the client pool, and evaluate the filter client-side. Keys outside the
layout are ignored.

# Uploads

With use_cargoship enabled, PutEntity hands the document to the cargoship transporter and
falls back to a plain PutObject when the transporter fails. Reads always use the pooled
clients.

# Errors

S3 failures are mapped onto the directory error taxonomy:

	NoSuchKey / 404          ENTITY_NOT_FOUND
	5xx / throttling         SERVICE_UNAVAILABLE
	NoSuchBucket, 4xx        REPOSITORY_READ or REPOSITORY_WRITE
	transport failures       NETWORK_ERROR

Context cancellation passes through unchanged so callers can tell their own deadline from
a slow bucket.

# Usage

	store, err := s3.NewDocumentStore(ctx, &s3.Config{
		Bucket:         "directory",
		Region:         "us-east-1",
		Endpoint:       "http://localhost:9000",
		ForcePathStyle: true,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entity, err := store.FetchByID(ctx, "svc-1")
*/
package s3
