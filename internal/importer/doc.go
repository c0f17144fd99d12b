// Package importer runs one spreadsheet import job: it reads the exported
// review sheets, resolves each row's entity, and stores the review while
// flushing progress after every row.
package importer
